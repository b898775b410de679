package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/rpc"
)

// BootstrapFile is the file the engine writes its registry location to,
// relative to its working directory.
const BootstrapFile = "CSpyServer2-ServiceRegistry.txt"

// ReadBootstrap decodes the registry location from a bootstrap file. The
// file holds a single ServiceLocation struct in Thrift's JSON encoding.
func ReadBootstrap(ctx context.Context, path string) (cspy.ServiceLocation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cspy.ServiceLocation{}, fmt.Errorf("read bootstrap: %w", err)
	}

	var loc rpc.Location
	if err := rpc.DecodeJSON(ctx, data, &loc); err != nil {
		return cspy.ServiceLocation{}, fmt.Errorf("read bootstrap %s: %w", path, err)
	}
	if loc.Host == "" || loc.Port == 0 {
		return cspy.ServiceLocation{}, fmt.Errorf("read bootstrap %s: %w: incomplete location", path, cspy.ErrProtocolDrift)
	}
	return loc.ServiceLocation, nil
}

// WaitForBootstrap returns the registry location from the bootstrap file in
// dir, waiting for the engine to write it if it is not there yet. The wait
// is bounded by ctx; expiry is reported as cspy.ErrTimeout.
func WaitForBootstrap(ctx context.Context, dir string) (cspy.ServiceLocation, error) {
	path := filepath.Join(dir, BootstrapFile)

	// Watch before checking so that a file created in between is not missed.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return cspy.ServiceLocation{}, fmt.Errorf("watch bootstrap: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return cspy.ServiceLocation{}, fmt.Errorf("watch bootstrap: %w", err)
	}

	loc, err := ReadBootstrap(ctx, path)
	if err == nil {
		return loc, nil
	}
	lastErr := err

	for {
		select {
		case <-ctx.Done():
			if errors.Is(lastErr, fs.ErrNotExist) {
				return cspy.ServiceLocation{}, fmt.Errorf("wait for bootstrap %s: %w", path, cspy.ErrTimeout)
			}
			return cspy.ServiceLocation{}, fmt.Errorf("wait for bootstrap: %w: %w", cspy.ErrTimeout, lastErr)

		case event, ok := <-watcher.Events:
			if !ok {
				return cspy.ServiceLocation{}, fmt.Errorf("wait for bootstrap: watcher closed")
			}
			if filepath.Base(event.Name) != BootstrapFile {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			// The file may be observed half-written; retry on the next write.
			loc, err := ReadBootstrap(ctx, path)
			if err == nil {
				return loc, nil
			}
			lastErr = err

		case err, ok := <-watcher.Errors:
			if !ok {
				return cspy.ServiceLocation{}, fmt.Errorf("wait for bootstrap: watcher closed")
			}
			return cspy.ServiceLocation{}, fmt.Errorf("watch bootstrap: %w", err)
		}
	}
}
