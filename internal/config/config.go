// Package config holds the core's tunable timeouts and thresholds, the Go
// analogue of the original's SETTINGS.get<T>("...") calls
// (original_source/application/Common/Settings.h). Defaults are applied
// first, then a YAML file (if any) overrides them, then environment
// variables take final precedence — the same three-tier ordering the
// teacher's own deployments layer flags/env/file in.
package config

import (
	"context"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds every setting spec.md §5 calls out as "(all configurable)",
// plus the scheduler/rate constants spec.md §4.3–§4.5 reference by name.
type Config struct {
	// SocketTimeout bounds each read of a streamed chunk: ChunkDownload's
	// streaming loop sets it as the connection's read deadline.
	SocketTimeout time.Duration `yaml:"socket_timeout" env:"DLAN_SOCKET_TIMEOUT,default=30s"`
	// IdleSocketTimeout closes a pooled socket that's sat idle too long.
	IdleSocketTimeout time.Duration `yaml:"idle_socket_timeout" env:"DLAN_IDLE_SOCKET_TIMEOUT,default=4m"`
	// UploadLiveTime bounds how long an Uploader may sit without progress.
	UploadLiveTime time.Duration `yaml:"upload_live_time" env:"DLAN_UPLOAD_LIVE_TIME,default=1m"`
	// GetHashesTimeout bounds a GET_HASHES round trip.
	GetHashesTimeout time.Duration `yaml:"get_hashes_timeout" env:"DLAN_GET_HASHES_TIMEOUT,default=30s"`
	// BanDurationCorruptedData is how long a peer caught sending data that
	// fails the chunk hash check is excluded from selection, per spec.md
	// §5's "Ban duration" invariant.
	BanDurationCorruptedData time.Duration `yaml:"ban_duration_corrupted_data" env:"DLAN_BAN_DURATION_CORRUPTED_DATA,default=10m"`
	// PresenceTimeout is how long since last_seen before a peer is
	// considered no-longer-available.
	PresenceTimeout time.Duration `yaml:"presence_timeout" env:"DLAN_PRESENCE_TIMEOUT,default=2m"`

	// ChunkSize is the fixed per-chunk byte size new downloads are split
	// into.
	ChunkSize uint32 `yaml:"chunk_size" env:"DLAN_CHUNK_SIZE,default=5242880"`
	// LANSpeed (bytes/s) is used to derive the peer-recheck period below.
	LANSpeed uint32 `yaml:"lan_speed" env:"DLAN_LAN_SPEED,default=125000000"`
	// TimeRecheckChunkFactor scales ChunkSize/LANSpeed into the interval a
	// ChunkDownload rechecks for a faster free peer.
	TimeRecheckChunkFactor float64 `yaml:"time_recheck_chunk_factor" env:"DLAN_TIME_RECHECK_CHUNK_FACTOR,default=1.5"`
	// SwitchToAnotherPeerFactor: a candidate peer must be this many times
	// faster than the current one to trigger a mid-stream switch.
	SwitchToAnotherPeerFactor float64 `yaml:"switch_to_another_peer_factor" env:"DLAN_SWITCH_TO_ANOTHER_PEER_FACTOR,default=1.25"`
	// BufferSizeWriting is the fixed read buffer ChunkDownload streams
	// into before flushing to the DataWriter.
	BufferSizeWriting uint32 `yaml:"buffer_size_writing" env:"DLAN_BUFFER_SIZE_WRITING,default=32768"`

	// MaxConcurrentDownloads is the scheduler's global ChunkDownload
	// concurrency cap (golang.org/x/sync/semaphore.Weighted's size).
	MaxConcurrentDownloads int64 `yaml:"max_concurrent_downloads" env:"DLAN_MAX_CONCURRENT_DOWNLOADS,default=8"`
	// MaxConcurrentUploads is the scheduler's global Uploader concurrency
	// cap.
	MaxConcurrentUploads int64 `yaml:"max_concurrent_uploads" env:"DLAN_MAX_CONCURRENT_UPLOADS,default=8"`
	// MaxActiveChunksPerDownload caps how many ChunkDownloads a single
	// Download may run at once (1 active + 1 prefetch by default), per
	// spec.md §4.5, so one download with many free-peer chunks can't
	// starve the rest of the queue of the global cap above.
	MaxActiveChunksPerDownload int `yaml:"max_active_chunks_per_download" env:"DLAN_MAX_ACTIVE_CHUNKS_PER_DOWNLOAD,default=2"`
}

// RecheckPeerInterval derives the "every T ms" period ChunkDownload.cpp's
// run() computes from TimeRecheckChunkFactor * ChunkSize / LANSpeed.
func (c Config) RecheckPeerInterval() time.Duration {
	seconds := c.TimeRecheckChunkFactor * float64(c.ChunkSize) / float64(c.LANSpeed)
	return time.Duration(seconds * float64(time.Second))
}

// Default returns the built-in defaults with no file or environment
// overrides applied.
func Default() Config {
	var c Config
	// envconfig.Process with no underlying env vars set still applies the
	// `default=` tags, so an empty lookuper is sufficient here.
	_ = envconfig.Process(context.Background(), &c, envconfig.WithLookuper(envconfig.MapLookuper(nil)))
	return c
}

// Load applies Default(), then a YAML file at path (if it exists), then
// environment variables, matching the precedence order documented on the
// package.
func Load(ctx context.Context, path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return Config{}, err
			}
		case os.IsNotExist(err):
			// no file to layer on top of defaults
		default:
			return Config{}, err
		}
	}
	if err := envconfig.Process(ctx, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
