// Package hasher streams a sample through MD5, SHA-1, SHA-256, and SHA-512
// in a single pass and produces the immutable Metadata value persisted
// alongside each analysis.
package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

const blockSize = 4096

// Sums holds the four digests and byte length computed over a stream.
type Sums struct {
	MD5    string
	SHA1   string
	SHA256 string
	SHA512 string
	Size   uint64
}

// HashAll streams r in blockSize chunks, updating all four digests and the
// byte counter in a single pass. Accepts any io.Reader: a blocking *os.File
// from the scheduler's per-job goroutine, or a non-blocking HTTP request
// body on the ingress path.
func HashAll(r io.Reader) (Sums, error) {
	md5h := md5.New()
	sha1h := sha1.New()
	sha256h := sha256.New()
	sha512h := sha512.New()
	mw := io.MultiWriter(md5h, sha1h, sha256h, sha512h)

	buf := make([]byte, blockSize)
	var size uint64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := mw.Write(buf[:n]); werr != nil {
				return Sums{}, fmt.Errorf("hasher: write: %w", werr)
			}
			size += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Sums{}, fmt.Errorf("hasher: read: %w", err)
		}
	}

	return Sums{
		MD5:    hex.EncodeToString(md5h.Sum(nil)),
		SHA1:   hex.EncodeToString(sha1h.Sum(nil)),
		SHA256: hex.EncodeToString(sha256h.Sum(nil)),
		SHA512: hex.EncodeToString(sha512h.Sum(nil)),
		Size:   size,
	}, nil
}

// HashSHA512 streams r and returns only the SHA-512 digest, for the cheaper
// ingress dedup-lookup pass described in the submission algorithm.
func HashSHA512(r io.Reader) (string, error) {
	h := sha512.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hasher: read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Metadata is the immutable value serialized to metadata.json.
type Metadata struct {
	SubmissionName *string    `json:"submission_name"`
	AnalysisDate   *Timestamp `json:"analysis_date"`
	Magic          *string    `json:"magic"`
	MD5            string     `json:"md5"`
	SHA1           string     `json:"sha1"`
	SHA256         string     `json:"sha256"`
	SHA512         string     `json:"sha512"`
	Size           uint64     `json:"size"`
}

// FromFile opens path and computes its full Metadata. submissionName may be
// nil. Magic is always left nil by this system (never populated).
func FromFile(path string, submissionName *string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("hasher: open %s: %w", path, err)
	}
	defer f.Close()

	sums, err := HashAll(f)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		SubmissionName: submissionName,
		MD5:            sums.MD5,
		SHA1:           sums.SHA1,
		SHA256:         sums.SHA256,
		SHA512:         sums.SHA512,
		Size:           sums.Size,
	}, nil
}

// Stamp returns a copy of m with AnalysisDate set to the current UTC time,
// truncated to whole seconds so that it survives the wire format unchanged.
func (m Metadata) Stamp() Metadata {
	now := Timestamp(time.Now().UTC().Truncate(time.Second))
	m.AnalysisDate = &now
	return m
}

// WriteJSON serializes m as indented JSON to path.
func (m Metadata) WriteJSON(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("hasher: marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("hasher: write %s: %w", path, err)
	}
	return nil
}

// timeLayout is the wire format for AnalysisDate: "YYYY-MM-DD HH:MM:SS ±ZZZZ".
const timeLayout = "2006-01-02 15:04:05 -0700"

// Timestamp wraps time.Time with the metadata.json wire format.
type Timestamp time.Time

// MarshalJSON renders t in the "YYYY-MM-DD HH:MM:SS ±ZZZZ" layout.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	s := time.Time(t).Format(timeLayout)
	return json.Marshal(s)
}

// UnmarshalJSON parses the "YYYY-MM-DD HH:MM:SS ±ZZZZ" layout.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(timeLayout, s)
	if err != nil {
		return fmt.Errorf("hasher: parse timestamp %q: %w", s, err)
	}
	*t = Timestamp(parsed)
	return nil
}

// Time unwraps t to a time.Time.
func (t Timestamp) Time() time.Time { return time.Time(t) }
