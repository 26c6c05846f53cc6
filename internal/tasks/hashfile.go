package tasks

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"golang.org/x/crypto/md4"

	"anidbsync/internal/command"
	"anidbsync/internal/media"
	logx "anidbsync/pkg/logx"
)

// ed2kChunk is the ED2K block size (9500 KiB).
const ed2kChunk = 9500 * 1024

// errEmptyFile is returned for zero-byte videos; AniDB keys files by size.
var errEmptyFile = errors.New("empty file")

// HashFile computes the ED2K hash and size of a local video, stores them and
// queues GetFile for it.
type HashFile struct {
	VideoID int64 `json:"video_id"`

	deps *Deps
}

func NewHashFile(d *Deps, videoID int64) *HashFile {
	return &HashFile{VideoID: videoID, deps: d}
}

func (t *HashFile) ID() string                        { return string(TypeHashFile) + "_" + itoa(t.VideoID) }
func (t *HashFile) Type() command.Type                { return TypeHashFile }
func (t *HashFile) DefaultPriority() command.Priority { return command.Priority4 }
func (t *HashFile) Payload() ([]byte, error)          { return command.EncodePayload(t) }
func (t *HashFile) Describe() command.Description {
	return command.Description{Kind: "HashFile", Subject: itoa(t.VideoID)}
}

func (t *HashFile) Execute(ctx context.Context) error {
	d := t.deps
	log := d.logger().With(logx.String("comp", "task.hashfile"), logx.Int64("video", t.VideoID))

	size, err := t.hash(ctx, log)
	if err != nil {
		return err
	}
	if size == 0 {
		return command.Fatal(fmt.Errorf("video %d: %w", t.VideoID, errEmptyFile))
	}
	// GetFile takes the video lock itself.
	if _, err := d.Queue.Submit(ctx, NewGetFile(d, t.VideoID, false)); err != nil {
		return fmt.Errorf("queue file info for video %d: %w", t.VideoID, err)
	}
	return nil
}

// hash stores the ED2K hash and size of the video and returns the size.
func (t *HashFile) hash(ctx context.Context, log logx.Logger) (int64, error) {
	d := t.deps
	unlock, err := d.Locks.LockContext(ctx, videoKey(t.VideoID))
	if err != nil {
		return 0, err
	}
	defer unlock()

	v, err := d.Store.Video(ctx, t.VideoID)
	if errors.Is(err, media.ErrNotFound) {
		return 0, command.Fatal(err)
	}
	if err != nil {
		return 0, fmt.Errorf("load video %d: %w", t.VideoID, err)
	}

	f, err := os.Open(v.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, command.Fatal(err)
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	start := time.Now()
	sum, size, err := ED2K(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("hash %s: %w", v.Path, err)
	}
	v.Hash = sum
	v.FileSize = size
	v.UpdatedAt = time.Now()
	if _, err := d.Store.SaveVideo(ctx, v); err != nil {
		return 0, fmt.Errorf("save video %d: %w", v.ID, err)
	}
	log.Info("video hashed",
		logx.String("file", v.FileName),
		logx.String("ed2k", sum),
		logx.Int64("size", size),
		logx.Duration("took", time.Since(start)),
	)
	return size, nil
}

// ED2K returns the lowercase ED2K hash of r and the number of bytes read.
// Each 9500 KiB chunk is hashed with MD4; a single chunk's hash is the file
// hash, otherwise the file hash is the MD4 of the concatenated chunk hashes.
func ED2K(ctx context.Context, r io.Reader) (string, int64, error) {
	buf := make([]byte, ed2kChunk)
	var (
		sums []byte
		size int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			h := md4.New()
			h.Write(buf[:n])
			sums = h.Sum(sums)
			size += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", 0, err
		}
	}

	switch len(sums) {
	case 0:
		return hex.EncodeToString(md4.New().Sum(nil)), 0, nil
	case md4.Size:
		return hex.EncodeToString(sums), size, nil
	default:
		h := md4.New()
		h.Write(sums)
		return hex.EncodeToString(h.Sum(nil)), size, nil
	}
}
