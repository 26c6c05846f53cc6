// Package media holds the domain facts the command tasks read and write:
// local video files and the AniDB file records matched to them.
package media

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// VideoLocal is a file on disk. Hash is the ED2K hash, empty until hashed.
type VideoLocal struct {
	ID        int64
	FileName  string
	Path      string
	Hash      string
	FileSize  int64
	UpdatedAt time.Time
}

func (v VideoLocal) Hashed() bool { return v.Hash != "" && v.FileSize > 0 }

// AniDBFile is the AniDB view of a file, keyed by ED2K hash and size.
// Missing marks a hash and size AniDB had no file for at FetchedAt; only
// the key fields are set then.
type AniDBFile struct {
	Missing       bool
	FileID        int64
	Hash          string
	FileSize      int64
	AnimeID       int64
	EpisodeID     int64
	GroupID       int64
	State         int
	Quality       string
	Source        string
	VideoCodec    string
	Resolution    string
	FileType      string
	DubLanguages  []string
	SubLanguages  []string
	LengthSeconds int
	AniDBFileName string
	FetchedAt     time.Time
}

// Store is the domain store used by tasks.
type Store interface {
	Video(ctx context.Context, id int64) (VideoLocal, error)
	SaveVideo(ctx context.Context, v VideoLocal) (VideoLocal, error)
	FileByHash(ctx context.Context, hash string, size int64) (AniDBFile, error)
	SaveFile(ctx context.Context, f AniDBFile) error
	// UnlinkedVideos lists videos without a matching AniDB file or missing
	// marker, oldest first. Hashed empty files are never listed.
	UnlinkedVideos(ctx context.Context, limit int) ([]VideoLocal, error)
}
