package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	jsonExt = ".json"
	zstdExt = ".json.zst"
)

// Store errors.
var (
	ErrNotFound  = errors.New("telemetry record not found")
	ErrAmbiguous = errors.New("run id prefix matches several records")
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("telemetry: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("telemetry: zstd decoder initialization failed: " + err.Error())
	}
}

// Store persists records as one file per run under Dir.
type Store struct {
	Dir      string
	Compress bool
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, compress bool) *Store {
	return &Store{Dir: dir, Compress: compress}
}

// FileName is the base name a record is saved under.
func (s *Store) FileName(r *Record) string {
	ext := jsonExt
	if s.Compress {
		ext = zstdExt
	}
	stamp := r.StartedAt.UTC().Format("20060102-150405")
	return fmt.Sprintf("%s_%s_%s%s", stamp, sanitize(r.Program), r.ShortID(), ext)
}

// Save writes r and returns the path written. The file appears atomically.
func (s *Store) Save(r *Record) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create telemetry dir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')
	if s.Compress {
		data = zstdEncoder.EncodeAll(data, nil)
	}

	path := filepath.Join(s.Dir, s.FileName(r))
	tmp, err := os.CreateTemp(s.Dir, ".record-*")
	if err != nil {
		return "", fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close record: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("chmod record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename record: %w", err)
	}
	return path, nil
}

// LoadAll reads every record in Dir, newest first. A missing directory
// yields no records. Files that fail to decode are skipped and reported in
// the returned error alongside the records that did load.
func (s *Store) LoadAll() ([]*Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read telemetry dir: %w", err)
	}

	var (
		records []*Record
		errs    []error
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !isRecordFile(name) {
			continue
		}
		r, err := ReadFile(filepath.Join(s.Dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, r)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, errors.Join(errs...)
}

// Load returns the record whose run id equals id or starts with it.
func (s *Store) Load(id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}

	records, _ := s.LoadAll()
	var match *Record
	for _, r := range records {
		if r.RunID == id {
			return r, nil
		}
		if strings.HasPrefix(r.RunID, id) {
			if match != nil {
				return nil, fmt.Errorf("%w: %q", ErrAmbiguous, id)
			}
			match = r
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return match, nil
}

// ReadFile decodes one record file, plain or zstd-compressed.
func ReadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, zstdExt) {
		data, err = zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: zstd decompress: %w", filepath.Base(path), err)
		}
	}

	var r Record
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", filepath.Base(path), err)
	}
	return &r, nil
}

func isRecordFile(name string) bool {
	return strings.HasSuffix(name, jsonExt) || strings.HasSuffix(name, zstdExt)
}

func sanitize(program string) string {
	if program == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, program)
}
