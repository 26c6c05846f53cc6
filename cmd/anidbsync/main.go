package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anidbsync/internal/app"
)

func main() {
	var (
		cfgPath   string
		addPath   string
		videoID   int64
		force     bool
		showState bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&addPath, "add-video", "", "record a local video file, queue its hashing and exit")
	flag.Int64Var(&videoID, "enqueue-video", 0, "queue the next step for a video id and exit")
	flag.BoolVar(&force, "force", false, "with -enqueue-video: fetch file info even when already known")
	flag.BoolVar(&showState, "status", false, "print queue depth and dead letters as json and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if addPath != "" || videoID > 0 || showState {
		if err := offline(ctx, cfgPath, addPath, videoID, force, showState); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func offline(ctx context.Context, cfgPath, addPath string, videoID int64, force, showState bool) error {
	o, err := app.OpenOffline(cfgPath)
	if err != nil {
		return err
	}
	defer o.Close()

	if addPath != "" {
		v, err := o.AddVideo(ctx, addPath)
		if err != nil {
			return err
		}
		fmt.Printf("video %d added: %s\n", v.ID, v.Path)
	}
	if videoID > 0 {
		t, added, err := o.EnqueueVideo(ctx, videoID, force)
		if err != nil {
			return err
		}
		if added {
			fmt.Printf("queued %s\n", t.ID())
		} else {
			fmt.Printf("%s already queued\n", t.ID())
		}
	}
	if showState {
		return o.Status(ctx, os.Stdout, 50)
	}
	return nil
}
