package download

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/rs/zerolog"
)

// Algorithm names a checksum algorithm.
type Algorithm string

const (
	MD5  Algorithm = "md5"
	SHA1 Algorithm = "sha1"
)

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", a)
	}
}

func (a Algorithm) digestLen() int {
	switch a {
	case MD5:
		return md5.Size * 2
	case SHA1:
		return sha1.Size * 2
	}
	return 0
}

// ParseAlgorithm accepts "md5" or "sha1" in any case. An empty name returns "".
func ParseAlgorithm(name string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	switch a {
	case "", MD5, SHA1:
		return a, nil
	}
	return "", client.NewError("parse checksum", client.ErrInvalidArgument, fmt.Errorf("unsupported algorithm %q", name))
}

// Checksum is an expected digest in lowercase hex.
type Checksum struct {
	Algorithm Algorithm
	Digest    string
}

// NewChecksum validates digest for algorithm.
func NewChecksum(algorithm Algorithm, digest string) (*Checksum, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	want := algorithm.digestLen()
	if want == 0 {
		return nil, client.NewError("parse checksum", client.ErrInvalidArgument, fmt.Errorf("unsupported algorithm %q", algorithm))
	}
	if _, err := hex.DecodeString(digest); err != nil || len(digest) != want {
		return nil, client.NewError("parse checksum", client.ErrInvalidArgument,
			fmt.Errorf("%s digest must be %d hex characters (got %q)", algorithm, want, digest))
	}
	return &Checksum{Algorithm: algorithm, Digest: digest}, nil
}

// ParseChecksum parses "algorithm:hexdigest", e.g. "md5:9e107d9d372bb6826bd81d3542a419d6".
func ParseChecksum(s string) (*Checksum, error) {
	alg, digest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, client.NewError("parse checksum", client.ErrInvalidArgument, fmt.Errorf("want algorithm:digest (got %q)", s))
	}
	a, err := ParseAlgorithm(alg)
	if err != nil {
		return nil, err
	}
	return NewChecksum(a, digest)
}

func (c *Checksum) String() string {
	return string(c.Algorithm) + ":" + c.Digest
}

// Task describes one file to fetch.
type Task struct {
	URL string

	// Path is the destination file. When empty the file is written to Dir under
	// the name the server gives in Content-Disposition, or the last URL segment.
	Path string
	Dir  string

	// Checksum, when set, gates the final rename on a matching digest.
	Checksum *Checksum
}

func (t Task) validate() error {
	if t.URL == "" {
		return errors.New("url is required")
	}
	if t.Path == "" && t.Dir == "" {
		return errors.New("path or dir is required")
	}
	if t.Checksum != nil && t.Checksum.Algorithm.digestLen() == 0 {
		return fmt.Errorf("unsupported checksum algorithm %q", t.Checksum.Algorithm)
	}
	return nil
}

// Outcome reports how a task ended.
type Outcome struct {
	Index int
	Task  Task

	// Path is the final file, set once known even if the task failed.
	Path string

	Bytes int64

	// Total is the length the server announced, -1 when unknown.
	Total int64

	Attempts int
	Duration time.Duration
	Err      error
}

// OK reports whether the file was written.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Progress is a byte-count event for one task. Total is -1 when the server did
// not announce a length. The last event of a task has Done set.
type Progress struct {
	Index int
	URL   string
	Path  string
	Bytes int64
	Total int64
	Done  bool
	Err   error
}

// Options configures a Manager.
type Options struct {
	// MaxConcurrency bounds the tasks in flight. Default 5.
	MaxConcurrency int

	// Overwrite replaces existing files. Without it an existing destination
	// fails the task with client.ErrFileExists.
	Overwrite bool

	// CreateDirs creates missing parent directories of the destination.
	CreateDirs bool

	// ChecksumRetries re-downloads a file whose checksum did not match, up to
	// this many times. Zero makes a mismatch final.
	ChecksumRetries int

	// ProgressInterval is the least time between progress events of a task.
	ProgressInterval time.Duration

	// OnProgress receives progress events. It is called from the task
	// goroutines and must be safe for concurrent use.
	OnProgress func(Progress)

	Logger *zerolog.Logger
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		MaxConcurrency:   5,
		ProgressInterval: 100 * time.Millisecond,
	}
}

func (o Options) validate() error {
	if o.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1 (got %d)", o.MaxConcurrency)
	}
	if o.ChecksumRetries < 0 {
		return fmt.Errorf("checksum_retries must be >= 0 (got %d)", o.ChecksumRetries)
	}
	if o.ProgressInterval < 0 {
		return fmt.Errorf("progress_interval must not be negative (got %v)", o.ProgressInterval)
	}
	return nil
}
