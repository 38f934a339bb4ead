// Package disk loads raw disk images for the guest disk region.
package disk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/aether/internal/hv"
)

// Load reads the image at path, drawing a progress bar on stderr when it is
// a terminal. A missing file returns nil, nil.
func Load(path string, limit int64) ([]byte, error) {
	var progress io.Writer
	if term.IsTerminal(int(os.Stderr.Fd())) {
		progress = os.Stderr
	}
	return Read(path, limit, progress)
}

// Read is Load with an explicit progress destination. A nil progress writer
// disables the bar.
func Read(path string, limit int64, progress io.Writer) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("disk: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("disk: %s is a directory", path)
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("disk: %s is %d bytes, limit %d: %w", path, info.Size(), limit, hv.ErrDiskTooLarge)
	}

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))

	var w io.Writer = &buf
	if progress != nil {
		bar := progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription("loading "+filepath.Base(path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(10),
			progressbar.OptionShowCount(),
		)
		defer bar.Close()
		w = io.MultiWriter(&buf, bar)
	}

	// The size check above races with writers; cap the copy as well.
	n, err := io.Copy(w, io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("disk: read %s: %w", path, err)
	}
	if n > limit {
		return nil, fmt.Errorf("disk: %s grew past limit %d: %w", path, limit, hv.ErrDiskTooLarge)
	}
	return buf.Bytes(), nil
}
