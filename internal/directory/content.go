// CRC: crc-ContentDirectory.md
package directory

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/zot/p2p-share/internal/errkind"
)

// FileDescriptor names a file by its content key. Two descriptors with the
// same key are the same logical file wherever they live.
type FileDescriptor struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"mediaType"`
	// Path is only known on the serving side.
	Path string `json:"-"`
}

// KeyForDigest builds a content key from a sha2-256 digest.
func KeyForDigest(digest []byte) (cid.Cid, error) {
	encoded, err := mh.Encode(digest, mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, encoded), nil
}

// KeyForBytes computes the content key of data.
func KeyForBytes(data []byte) cid.Cid {
	sum := sha256.Sum256(data)
	c, _ := KeyForDigest(sum[:])
	return c
}

// ParseKey decodes a content key.
func ParseKey(key string) (cid.Cid, error) {
	c, err := cid.Decode(key)
	if err != nil {
		return cid.Undef, errkind.New(errkind.Validation, "parse_key", fmt.Errorf("invalid content key %q: %w", key, err))
	}
	return c, nil
}

// Verifier hashes content as it streams past and checks it against a key.
type Verifier struct {
	key    cid.Cid
	digest []byte
	h      hash.Hash
}

// NewVerifier prepares to check content against key. Only sha2-256 keys
// are accepted.
func NewVerifier(key cid.Cid) (*Verifier, error) {
	decoded, err := mh.Decode(key.Hash())
	if err != nil {
		return nil, errkind.New(errkind.Validation, "verify", fmt.Errorf("failed to decode key hash: %w", err))
	}
	if decoded.Code != mh.SHA2_256 {
		return nil, errkind.Errorf(errkind.Validation, "verify", "unsupported hash %s in key %s", mh.Codes[decoded.Code], key)
	}
	return &Verifier{key: key, digest: decoded.Digest, h: sha256.New()}, nil
}

func (v *Verifier) Write(p []byte) (int, error) {
	return v.h.Write(p)
}

// Check reports whether everything written so far matches the key.
func (v *Verifier) Check() error {
	if !bytes.Equal(v.h.Sum(nil), v.digest) {
		return errkind.Errorf(errkind.Validation, "verify", "content does not match key %s", v.key)
	}
	return nil
}

// Verify checks that data hashes to key.
func Verify(key cid.Cid, data []byte) error {
	v, err := NewVerifier(key)
	if err != nil {
		return err
	}
	v.Write(data)
	return v.Check()
}

// Describe hashes the file at path and returns its descriptor. An empty
// name defaults to the file's base name.
func Describe(path, name string) (FileDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileDescriptor{}, errkind.New(errkind.NotFound, "describe", err)
		}
		return FileDescriptor{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileDescriptor{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return FileDescriptor{}, errkind.Errorf(errkind.Validation, "describe", "%s is a directory", path)
	}

	// Detect MIME type from the first 512 bytes
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FileDescriptor{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	head = head[:n]

	h := sha256.New()
	h.Write(head)
	size, err := io.Copy(h, f)
	if err != nil {
		return FileDescriptor{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	key, err := KeyForDigest(h.Sum(nil))
	if err != nil {
		return FileDescriptor{}, err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return FileDescriptor{
		Key:       key.String(),
		Name:      name,
		Size:      size + int64(n),
		MediaType: http.DetectContentType(head),
		Path:      abs,
	}, nil
}
