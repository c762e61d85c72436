package docker

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/go-archive"
)

// buildContext streams the app root as a tar build context with the
// rendered Dockerfile injected under stagedDockerfile. The app root itself
// is never modified.
func buildContext(appRoot string, rendered []byte) (io.ReadCloser, error) {
	excludes, err := readDockerignore(appRoot)
	if err != nil {
		return nil, err
	}
	src, err := archive.TarWithOptions(appRoot, &archive.TarOptions{
		ExcludePatterns: excludes,
	})
	if err != nil {
		return nil, fmt.Errorf("tar build context: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := func() error {
			hdr := &tar.Header{Name: stagedDockerfile, Mode: 0o644, Size: int64(len(rendered))}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if _, err := tw.Write(rendered); err != nil {
				return err
			}

			tr := tar.NewReader(src)
			for {
				hdr, err := tr.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				if hdr.Name == stagedDockerfile {
					continue
				}
				if err := tw.WriteHeader(hdr); err != nil {
					return err
				}
				if _, err := io.Copy(tw, tr); err != nil {
					return err
				}
			}
			return tw.Close()
		}()
		_ = src.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// readDockerignore loads exclude patterns from the app root's
// .dockerignore, if present.
func readDockerignore(appRoot string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(appRoot, ".dockerignore"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read .dockerignore: %w", err)
	}

	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}

// drainBuildOutput copies the daemon's build progress stream to out and
// surfaces the build error, if any. The stream is JSON messages; the error
// message carries the failing step's diagnostics.
func drainBuildOutput(r io.Reader, out io.Writer) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("%w", msg.Error)
		}
		if out == nil {
			continue
		}
		if msg.Stream != "" {
			_, _ = io.WriteString(out, msg.Stream)
		} else if msg.Status != "" {
			_, _ = io.WriteString(out, msg.Status+"\n")
		}
	}
}

// deframeCopy strips the 8-byte multiplexing headers from a container log
// stream and writes the raw payload to out.
func deframeCopy(out io.Writer, in io.Reader) {
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(in, hdr[:]); err != nil {
			return
		}
		size := int(hdr[4])<<24 | int(hdr[5])<<16 | int(hdr[6])<<8 | int(hdr[7])
		if _, err := io.CopyN(out, in, int64(size)); err != nil {
			return
		}
	}
}
