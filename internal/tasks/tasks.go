// Package tasks holds the command implementations executed by the queue.
//
// Every task carries only its defining arguments in the payload; the
// services it needs come from Deps, which the registry factories close over.
package tasks

import (
	"context"

	"anidbsync/internal/anidb"
	"anidbsync/internal/command"
	"anidbsync/internal/lock"
	"anidbsync/internal/media"
	"anidbsync/internal/queue"
	logx "anidbsync/pkg/logx"
)

const (
	TypeGetFile      command.Type = "GetFile"
	TypePing         command.Type = "Ping"
	TypeHashFile     command.Type = "HashFile"
	TypeScanUnlinked command.Type = "ScanUnlinked"
)

// AniDB is the part of the protocol client the tasks use.
type AniDB interface {
	LoggedIn() bool
	Ping(ctx context.Context) (anidb.PingResult, error)
	File(ctx context.Context, req anidb.File) (anidb.FileInfo, error)
}

// Submitter queues follow-up commands.
type Submitter interface {
	Submit(ctx context.Context, t command.Task, opts ...queue.SubmitOption) (bool, error)
}

// Deps are the services shared by all tasks. Queue may be set after the
// registry is built, but before the queue starts.
type Deps struct {
	Store media.Store
	AniDB AniDB
	Locks *lock.Registry
	Queue Submitter
	Log   logx.Logger

	// ScanBatch caps how many videos one ScanUnlinked run submits.
	ScanBatch int
}

func (d *Deps) logger() logx.Logger {
	if d.Log.IsZero() {
		return logx.Nop()
	}
	return d.Log
}

// Register wires every task type into reg.
func Register(reg *command.Registry, d *Deps) {
	if d.Locks == nil {
		d.Locks = lock.NewRegistry()
	}
	reg.MustRegister(TypeGetFile, command.ClassAniDB, func(rec command.Record) (command.Task, error) {
		t := &GetFile{deps: d}
		if err := command.DecodePayload(rec, t); err != nil {
			return nil, err
		}
		t.preload()
		return t, nil
	})
	reg.MustRegister(TypePing, command.ClassAniDB, func(command.Record) (command.Task, error) {
		return NewPing(d), nil
	})
	reg.MustRegister(TypeHashFile, command.ClassHasher, func(rec command.Record) (command.Task, error) {
		t := &HashFile{deps: d}
		if err := command.DecodePayload(rec, t); err != nil {
			return nil, err
		}
		return t, nil
	})
	reg.MustRegister(TypeScanUnlinked, command.ClassGeneral, func(command.Record) (command.Task, error) {
		return NewScanUnlinked(d), nil
	})
}

func videoKey(id int64) string { return "video:" + itoa(id) }
