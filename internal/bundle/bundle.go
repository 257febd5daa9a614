// Package bundle packages task deliveries and parses annotation uploads.
// A bundle is a zip archive with a manifest.json entry carrying identity
// side-channels (user, video path, save path, round); the save endpoint
// recovers identity from the echoed manifest instead of a session object.
package bundle

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/annolab/annobroker/internal/model"
)

const (
	ManifestEntry = "manifest.json"
	VideoEntry    = "video.mp4"
	PriorEntry    = "anno.npz"
	PayloadEntry  = "anno_out.npz"
)

// Manifest is the identity block embedded in every bundle. Downloads carry
// history position and progress counters; uploads carry the finished flag.
type Manifest struct {
	User          string             `json:"username"`
	Domain        model.Domain       `json:"domain"`
	VideoPath     string             `json:"video_path"`
	SavePath      string             `json:"save_path"`
	Round         int                `json:"re_anno"`
	HistoryNumber int                `json:"history_number,omitempty"`
	IsFinished    bool               `json:"is_finished"`
	Counts        *model.RoundCounts `json:"counts,omitempty"`
}

// WriteTask writes a task delivery bundle: manifest, video bytes, and the
// prior machine annotation when one exists.
func WriteTask(w io.Writer, m Manifest, video, prior []byte) error {
	zw := zip.NewWriter(w)

	if err := writeEntry(zw, ManifestEntry, mustJSON(m)); err != nil {
		return err
	}
	if err := writeEntry(zw, VideoEntry, video); err != nil {
		return err
	}
	if prior != nil {
		if err := writeEntry(zw, PriorEntry, prior); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close bundle: %w", err)
	}
	return nil
}

// Upload is a parsed annotation upload.
type Upload struct {
	Manifest Manifest
	Payload  []byte
}

// ReadUpload parses an uploaded bundle. The manifest and payload entries
// are both required; maxPayload bounds the decompressed payload size.
func ReadUpload(r io.ReaderAt, size int64, maxPayload int) (*Upload, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open upload archive: %w", err)
	}

	var up Upload
	var sawManifest, sawPayload bool
	for _, f := range zr.File {
		switch f.Name {
		case ManifestEntry:
			data, err := readEntry(f, 1024*1024)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(data, &up.Manifest); err != nil {
				return nil, fmt.Errorf("parse upload manifest: %w", err)
			}
			sawManifest = true
		case PayloadEntry:
			data, err := readEntry(f, maxPayload)
			if err != nil {
				return nil, err
			}
			up.Payload = data
			sawPayload = true
		}
	}

	if !sawManifest {
		return nil, fmt.Errorf("upload archive missing %s", ManifestEntry)
	}
	if !sawPayload {
		return nil, fmt.Errorf("upload archive missing %s", PayloadEntry)
	}
	if up.Manifest.User == "" || up.Manifest.VideoPath == "" {
		return nil, fmt.Errorf("upload manifest missing username or video_path")
	}
	return &up, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create bundle entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write bundle entry %s: %w", name, err)
	}
	return nil
}

func readEntry(f *zip.File, limit int) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open archive entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("read archive entry %s: %w", f.Name, err)
	}
	if len(data) > limit {
		return nil, fmt.Errorf("archive entry %s exceeds %d bytes", f.Name, limit)
	}
	return data, nil
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
