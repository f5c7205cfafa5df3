package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

var magicBytes = []byte("WBRPKICK")

const (
	filePrefix    = "checkpoint-"
	fileExtension = ".ckpt"
	checksumSize  = 32

	// FormatVersion is the checkpoint layout version written by Save.
	FormatVersion = 1

	DefaultKeep             = 3
	DefaultHeartbeatTimeout = 10 * time.Second
)

// Compression modes.
const (
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

type checkpointHeader struct {
	Version     int               `json:"version"`
	CreatedAt   int64             `json:"created_at"`
	Entries     int               `json:"entry_count"`
	Anchors     map[string]string `json:"anchors"`
	Compression string            `json:"compression"`
	Cipher      string            `json:"cipher,omitempty"`
	Salt        []byte            `json:"salt,omitempty"`
}

// Config configures a Manager.
type Config struct {
	// Keep is the number of newest checkpoints retained by Prune.
	Keep int
	// Compression is CompressionZstd (default) or CompressionNone.
	Compression string
	// Passphrase enables encryption when set.
	Passphrase []byte
	Cipher     string
	// HeartbeatURL receives a GET after every successful save.
	HeartbeatURL     string
	HeartbeatTimeout time.Duration
}

// Info describes one stored checkpoint.
type Info struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Location    string               `json:"location"`
	Version     int                  `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	Entries     int                  `json:"entries"`
	Anchors     []domain.AnchorState `json:"anchors,omitempty"`
	Size        int                  `json:"size"`
	Checksum    string               `json:"checksum,omitempty"`
	Compression string               `json:"compression,omitempty"`
	Encrypted   bool                 `json:"encrypted"`
}

// Manager writes and reads checkpoints through a Backend.
type Manager struct {
	backend Backend
	cfg     Config
	sealer  *sealer
	client  *http.Client
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithHTTPClient sets the client used for heartbeats.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.client = c
	}
}

// NewManager creates a Manager over backend.
func NewManager(backend Backend, cfg Config, opts ...Option) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("checkpoint: backend is required")
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	switch cfg.Compression {
	case "":
		cfg.Compression = CompressionZstd
	case CompressionZstd, CompressionNone:
	default:
		return nil, fmt.Errorf("checkpoint: unsupported compression %q", cfg.Compression)
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	s, err := newSealer(cfg.Passphrase, cfg.Cipher)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		backend: backend,
		cfg:     cfg,
		sealer:  s,
		client:  http.DefaultClient,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open resolves location with OpenBackend and creates a Manager.
func Open(location string, cfg Config, opts ...Option) (*Manager, error) {
	b, err := OpenBackend(location)
	if err != nil {
		return nil, err
	}
	return NewManager(b, cfg, opts...)
}

// Location returns the backend location.
func (m *Manager) Location() string {
	return m.backend.Location()
}

// Save writes view as a new checkpoint, prunes old ones and sends the
// heartbeat. Prune and heartbeat failures are logged only.
func (m *Manager) Save(ctx context.Context, view *memory.View) (*Info, error) {
	start := time.Now()
	id := ulid.Make()
	name := filePrefix + id.String() + fileExtension

	payload, count := encodeView(view)
	hdr := checkpointHeader{
		Version:     FormatVersion,
		CreatedAt:   ulid.Time(id.Time()).UnixMilli(),
		Entries:     count,
		Anchors:     make(map[string]string),
		Compression: m.cfg.Compression,
	}
	anchors := view.Anchors()
	for _, a := range anchors {
		hdr.Anchors[a.Name] = a.Watermark.String()
	}

	if m.cfg.Compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: zstd: %w", err)
		}
		payload = enc.EncodeAll(payload, make([]byte, 0, len(payload)/4))
		enc.Close()
	}

	if m.sealer != nil {
		salt, err := newSalt()
		if err != nil {
			return nil, err
		}
		hdr.Cipher = m.sealer.algorithm
		hdr.Salt = salt
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal header: %w", err)
	}
	if m.sealer != nil {
		// The header is authenticated along with the payload.
		if payload, err = m.sealer.seal(hdr.Salt, payload, hdrJSON); err != nil {
			return nil, err
		}
	}

	blob := frame(hdrJSON, payload)
	if err := m.backend.Put(ctx, name, blob); err != nil {
		return nil, err
	}
	sum := blob[len(blob)-checksumSize:]

	info := &Info{
		ID:          id.String(),
		Name:        name,
		Location:    m.backend.Location(),
		Version:     FormatVersion,
		CreatedAt:   time.UnixMilli(hdr.CreatedAt).UTC(),
		Entries:     count,
		Anchors:     anchors,
		Size:        len(blob),
		Checksum:    hex.EncodeToString(sum),
		Compression: hdr.Compression,
		Encrypted:   m.sealer != nil,
	}
	m.logger.Info("checkpoint saved",
		"location", info.Location,
		"name", name,
		"entries", count,
		"bytes", info.Size,
		"duration", time.Since(start))

	if err := m.Prune(ctx); err != nil {
		m.logger.Warn("checkpoint prune failed", "error", err)
	}
	m.heartbeat(ctx)
	return info, nil
}

// frame assembles magic, header, payload and the SHA-256 trailer.
func frame(hdrJSON, payload []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(magicBytes)+8+len(hdrJSON)+len(payload)+checksumSize))
	buf.Write(magicBytes)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(hdrJSON)))
	buf.Write(n[:])
	buf.Write(hdrJSON)
	binary.BigEndian.PutUint32(n[:], uint32(len(payload)))
	buf.Write(n[:])
	buf.Write(payload)
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

// Load reads the newest valid checkpoint. A corrupt or unreadable
// newest checkpoint falls back to older ones. It fails with
// ErrCheckpointNotFound when nothing is stored, and with the error of
// the newest checkpoint when none is usable.
func (m *Manager) Load(ctx context.Context) (*Checkpoint, *Info, error) {
	names, err := m.names(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(names) == 0 {
		return nil, nil, domain.ErrCheckpointNotFound.WithDetails(m.backend.Location())
	}

	var first error
	for i := len(names) - 1; i >= 0; i-- {
		c, info, err := m.LoadNamed(ctx, names[i])
		if err == nil {
			if i != len(names)-1 {
				m.logger.Warn("loaded older checkpoint", "name", names[i], "skipped", len(names)-1-i)
			}
			return c, info, nil
		}
		if !errors.Is(err, domain.ErrCheckpointCorrupt) &&
			!errors.Is(err, domain.ErrCheckpointVersion) &&
			!errors.Is(err, domain.ErrCheckpointNotFound) {
			return nil, nil, err
		}
		m.logger.Warn("skipping unusable checkpoint", "name", names[i], "error", err)
		if first == nil {
			first = err
		}
	}
	return nil, nil, first
}

// LoadNamed reads one checkpoint.
func (m *Manager) LoadNamed(ctx context.Context, name string) (*Checkpoint, *Info, error) {
	blob, err := m.backend.Get(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	hdr, hdrJSON, payload, err := unframe(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	if hdr.Version != FormatVersion {
		return nil, nil, domain.ErrCheckpointVersion.WithDetailsf("%s: version %d, want %d", name, hdr.Version, FormatVersion)
	}

	if hdr.Cipher != "" {
		if m.sealer == nil {
			return nil, nil, fmt.Errorf("%s: encrypted checkpoint and no passphrase: %w", name, ErrDecrypt)
		}
		if payload, err = m.sealer.open(hdr.Cipher, hdr.Salt, payload, hdrJSON); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	switch hdr.Compression {
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint: zstd: %w", err)
		}
		payload, err = dec.DecodeAll(payload, nil)
		dec.Close()
		if err != nil {
			return nil, nil, domain.ErrCheckpointCorrupt.WithCause(err).WithDetails(name)
		}
	case CompressionNone, "":
	default:
		return nil, nil, domain.ErrCheckpointVersion.WithDetailsf("%s: compression %q", name, hdr.Compression)
	}

	c, err := decodeCheckpoint(payload)
	if err != nil {
		return nil, nil, domain.ErrCheckpointCorrupt.WithCause(err).WithDetails(name)
	}
	if len(c.Entries) != hdr.Entries {
		return nil, nil, domain.ErrCheckpointCorrupt.WithDetailsf("%s: %d entries, header says %d", name, len(c.Entries), hdr.Entries)
	}

	sum := blob[len(blob)-checksumSize:]
	info := &Info{
		ID:          strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExtension),
		Name:        name,
		Location:    m.backend.Location(),
		Version:     hdr.Version,
		CreatedAt:   time.UnixMilli(hdr.CreatedAt).UTC(),
		Entries:     hdr.Entries,
		Anchors:     c.Anchors,
		Size:        len(blob),
		Checksum:    hex.EncodeToString(sum),
		Compression: hdr.Compression,
		Encrypted:   hdr.Cipher != "",
	}
	return c, info, nil
}

func unframe(blob []byte) (*checkpointHeader, []byte, []byte, error) {
	if len(blob) < len(magicBytes)+8+checksumSize {
		return nil, nil, nil, domain.ErrCheckpointCorrupt.WithDetails("truncated")
	}
	body, sum := blob[:len(blob)-checksumSize], blob[len(blob)-checksumSize:]
	if got := sha256.Sum256(body); !bytes.Equal(got[:], sum) {
		return nil, nil, nil, domain.ErrCheckpointCorrupt.WithDetails("checksum mismatch")
	}
	if !bytes.Equal(body[:len(magicBytes)], magicBytes) {
		return nil, nil, nil, domain.ErrCheckpointCorrupt.WithDetails("invalid magic bytes")
	}
	body = body[len(magicBytes):]

	hdrJSON, body, ok := cut(body)
	if !ok || len(hdrJSON) == 0 {
		return nil, nil, nil, domain.ErrCheckpointCorrupt.WithDetails("bad header length")
	}
	var hdr checkpointHeader
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, nil, nil, domain.ErrCheckpointCorrupt.WithCause(err).WithDetails("unmarshal header")
	}
	payload, rest, ok := cut(body)
	if !ok || len(rest) != 0 {
		return nil, nil, nil, domain.ErrCheckpointCorrupt.WithDetails("bad data length")
	}
	return &hdr, hdrJSON, payload, nil
}

// cut splits a 4-byte big-endian length prefixed block off b.
func cut(b []byte) (block, rest []byte, ok bool) {
	if len(b) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, false
	}
	return b[:n], b[n:], true
}

// List returns the stored checkpoints, oldest first. Only names are
// filled in; use LoadNamed for details.
func (m *Manager) List(ctx context.Context) ([]*Info, error) {
	names, err := m.names(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]*Info, 0, len(names))
	for _, n := range names {
		info := &Info{
			ID:       strings.TrimSuffix(strings.TrimPrefix(n, filePrefix), fileExtension),
			Name:     n,
			Location: m.backend.Location(),
		}
		if id, err := ulid.ParseStrict(info.ID); err == nil {
			info.CreatedAt = ulid.Time(id.Time()).UTC()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// names lists checkpoint names sorted oldest first. ULIDs sort by
// creation time.
func (m *Manager) names(ctx context.Context) ([]string, error) {
	all, err := m.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, n := range all {
		if strings.HasPrefix(n, filePrefix) && strings.HasSuffix(n, fileExtension) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Prune deletes all but the newest Keep checkpoints.
func (m *Manager) Prune(ctx context.Context) error {
	names, err := m.names(ctx)
	if err != nil {
		return err
	}
	if len(names) <= m.cfg.Keep {
		return nil
	}
	var errs []error
	for _, n := range names[:len(names)-m.cfg.Keep] {
		if err := m.backend.Delete(ctx, n); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Debug("checkpoint pruned", "name", n)
	}
	return errors.Join(errs...)
}

// heartbeat notifies the configured URL. Failures are logged.
func (m *Manager) heartbeat(ctx context.Context) {
	if m.cfg.HeartbeatURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.HeartbeatURL, nil)
	if err != nil {
		m.logger.Warn("heartbeat failed", "error", err)
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("heartbeat failed", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		m.logger.Warn("heartbeat rejected", "status", resp.StatusCode)
		return
	}
	m.logger.Debug("heartbeat sent", "status", resp.StatusCode)
}
