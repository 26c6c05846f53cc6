package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"anidbsync/internal/anidb"
	"anidbsync/internal/command"
	"anidbsync/internal/media"
	logx "anidbsync/pkg/logx"
)

// GetFile fetches the AniDB file record for a hashed local video and stores it.
type GetFile struct {
	VideoID int64 `json:"video_id"`
	Force   bool  `json:"force,omitempty"`

	deps  *Deps
	video *media.VideoLocal
}

func NewGetFile(d *Deps, videoID int64, force bool) *GetFile {
	return &GetFile{VideoID: videoID, Force: force, deps: d}
}

func (t *GetFile) ID() string                        { return string(TypeGetFile) + "_" + itoa(t.VideoID) }
func (t *GetFile) Type() command.Type                { return TypeGetFile }
func (t *GetFile) DefaultPriority() command.Priority { return command.Priority3 }
func (t *GetFile) Payload() ([]byte, error)          { return command.EncodePayload(t) }

func (t *GetFile) Describe() command.Description {
	if t.video != nil && t.video.FileName != "" {
		return command.Description{Kind: "GetFileInfo", Subject: t.video.FileName}
	}
	return command.Description{Kind: "GetFileInfo", Subject: itoa(t.VideoID)}
}

// preload resolves the video so Describe can name the file. Failures are
// left to Execute.
func (t *GetFile) preload() {
	if t.deps == nil || t.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if v, err := t.deps.Store.Video(ctx, t.VideoID); err == nil {
		t.video = &v
	}
}

func (t *GetFile) Execute(ctx context.Context) error {
	d := t.deps
	log := d.logger().With(logx.String("comp", "task.getfile"), logx.Int64("video", t.VideoID))

	unlock, err := d.Locks.LockContext(ctx, videoKey(t.VideoID))
	if err != nil {
		return err
	}
	defer unlock()

	v, err := d.Store.Video(ctx, t.VideoID)
	if errors.Is(err, media.ErrNotFound) {
		return command.Fatal(err)
	}
	if err != nil {
		return fmt.Errorf("load video %d: %w", t.VideoID, err)
	}
	t.video = &v
	if !v.Hashed() {
		return command.Fatal(fmt.Errorf("video %d (%s) has no ed2k hash", v.ID, v.FileName))
	}

	known, err := d.Store.FileByHash(ctx, v.Hash, v.FileSize)
	if err != nil && !errors.Is(err, media.ErrNotFound) {
		return fmt.Errorf("lookup anidb file: %w", err)
	}
	if err == nil && !t.Force {
		if known.Missing {
			log.Debug("file not on anidb; skipped", logx.Time("checked", known.FetchedAt))
		} else {
			log.Debug("anidb file already known", logx.Int64("fid", known.FileID))
		}
		return nil
	}

	info, err := d.AniDB.File(ctx, anidb.File{Size: v.FileSize, ED2K: v.Hash})
	if anidb.KindOf(err) == anidb.KindNotFound {
		// Remember the miss so rescans leave the video alone.
		marker := media.AniDBFile{Missing: true, Hash: v.Hash, FileSize: v.FileSize, FetchedAt: time.Now()}
		if serr := d.Store.SaveFile(ctx, marker); serr != nil {
			return fmt.Errorf("save missing marker for video %d: %w", v.ID, serr)
		}
		log.Info("file not on anidb", logx.String("file", v.FileName), logx.String("ed2k", v.Hash))
		return err
	}
	if err != nil {
		return err
	}
	f := fileFromInfo(info, v)
	if err := d.Store.SaveFile(ctx, f); err != nil {
		return fmt.Errorf("save anidb file %d: %w", f.FileID, err)
	}
	log.Info("anidb file info stored",
		logx.String("file", v.FileName),
		logx.Int64("fid", f.FileID),
		logx.Int64("aid", f.AnimeID),
		logx.Int64("eid", f.EpisodeID),
	)
	return nil
}

func fileFromInfo(info anidb.FileInfo, v media.VideoLocal) media.AniDBFile {
	f := media.AniDBFile{
		FileID:        info.FileID,
		Hash:          info.ED2K,
		FileSize:      info.Size,
		AnimeID:       info.AnimeID,
		EpisodeID:     info.EpisodeID,
		GroupID:       info.GroupID,
		State:         info.State,
		Quality:       info.Quality,
		Source:        info.Source,
		VideoCodec:    info.VideoCodec,
		Resolution:    info.Resolution,
		FileType:      info.FileType,
		DubLanguages:  info.DubLanguages,
		SubLanguages:  info.SubLanguages,
		LengthSeconds: info.LengthSeconds,
		AniDBFileName: info.FileName,
		FetchedAt:     time.Now(),
	}
	// Key the record the way the local video will look it up.
	if f.Hash == "" {
		f.Hash = v.Hash
	}
	if f.FileSize == 0 {
		f.FileSize = v.FileSize
	}
	return f
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
