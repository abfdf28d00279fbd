package bundler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Write emits every chunk of snap under dir and returns the written paths in
// chunk order. Each file is written to a temporary name and renamed into
// place so readers never observe a partial file.
func Write(snap *Snapshot, dir string, clean bool) ([]string, error) {
	if clean {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to clean output directory: %w", err)
		}
	}

	written := make([]string, 0, len(snap.Chunks))
	for _, c := range snap.Chunks {
		target := filepath.Join(dir, filepath.FromSlash(c.Filename))
		if err := writeFileAtomic(target, c.Content); err != nil {
			return written, fmt.Errorf("failed to write chunk %s: %w", c.Filename, err)
		}

		log.Debug().
			Str("chunk", c.Name).
			Str("kind", c.Kind.String()).
			Str("file", target).
			Int("bytes", len(c.Content)).
			Msg("Wrote chunk")

		written = append(written, target)
	}

	return written, nil
}

func writeFileAtomic(name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
