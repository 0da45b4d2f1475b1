package staging

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"staging-engine/internal/domain"
	"staging-engine/internal/transport"
)

const (
	HashProcessorName = "hash"
	hashProperty      = "hash"
	hashFileHeader    = "#Digest Algorithm: "
)

// HashType is a digest algorithm supported by HashProcessor.
type HashType string

const (
	HashMD5     HashType = "MD5"
	HashSHA     HashType = "SHA"
	HashSHA256  HashType = "SHA256"
	HashSHA384  HashType = "SHA384"
	HashSHA512  HashType = "SHA512"
	HashBLAKE2B HashType = "BLAKE2B"
)

var hashTypes = []HashType{HashMD5, HashSHA, HashSHA256, HashSHA384, HashSHA512, HashBLAKE2B}

func parseHashType(v string) (HashType, bool) {
	for _, t := range hashTypes {
		if string(t) == strings.ToUpper(strings.TrimSpace(v)) {
			return t, true
		}
	}
	return "", false
}

func (t HashType) newHash() (hash.Hash, error) {
	switch t {
	case HashMD5:
		return md5.New(), nil
	case HashSHA:
		return sha1.New(), nil
	case HashSHA256:
		return sha256.New(), nil
	case HashSHA384:
		return sha512.New384(), nil
	case HashSHA512:
		return sha512.New(), nil
	case HashBLAKE2B:
		return blake2b.New512(nil)
	}
	return nil, fmt.Errorf("unsupported hash type %q", t)
}

// HashProcessor digests every data file before the transfer and validates the digests
// at the destination afterwards. The digests travel with the transfer as the generated
// file <uid>.proc.
type HashProcessor struct {
	uid      string
	hashType HashType

	mu     sync.Mutex
	hashes map[string]string
}

func NewHashProcessor(uid string) *HashProcessor {
	return &HashProcessor{
		uid:      uid,
		hashType: HashMD5,
		hashes:   make(map[string]string),
	}
}

func (p *HashProcessor) UniqueIdentifier() string { return p.uid }
func (p *HashProcessor) Name() string             { return HashProcessorName }
func (p *HashProcessor) PropertyKeys() []string   { return []string{hashProperty} }
func (p *HashProcessor) HashType() HashType       { return p.hashType }

func (p *HashProcessor) PropertyDescription(key string) string {
	if key == hashProperty {
		names := make([]string, len(hashTypes))
		for i, t := range hashTypes {
			names[i] = string(t)
		}
		return "Digest algorithm used to hash data files. One of " + strings.Join(names, ", ")
	}
	return ""
}

func (p *HashProcessor) Validate(props Properties) error {
	v, ok := props[hashProperty]
	if !ok {
		return &PropertyError{Key: hashProperty, Reason: "required"}
	}
	if _, ok := parseHashType(v); !ok {
		return &PropertyError{Key: hashProperty, Value: v, Reason: "unsupported digest algorithm"}
	}
	return nil
}

// Configure falls back to MD5 for unknown values.
func (p *HashProcessor) Configure(props Properties) error {
	v := props.Get(hashProperty, string(HashMD5))
	t, ok := parseHashType(v)
	if !ok {
		t = HashMD5
	}
	p.hashType = t
	return nil
}

func (p *HashProcessor) outputName() string {
	return p.uid + ".proc"
}

func (p *HashProcessor) PerformPreTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error {
	files := c.Files(domain.CollectionData)
	hashes := make(map[string]string, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		digest, err := p.digest(ctx, ws, f.LFN)
		if err != nil {
			return fmt.Errorf("hash %s: %w", f.RelPath, err)
		}
		hashes[f.RelPath] = digest
	}
	p.mu.Lock()
	p.hashes = hashes
	p.mu.Unlock()
	ws.logger().WithField("processor", p.uid).Infof("hashed %d data files using %s", len(hashes), p.hashType)
	return nil
}

func (p *HashProcessor) FinalizePreTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error {
	if err := ws.FS.MkdirAll(ws.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	out := filepath.Join(ws.WorkDir, p.outputName())
	f, err := ws.FS.Create(out)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}

	p.mu.Lock()
	keys := make([]string, 0, len(p.hashes))
	for k := range p.hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s%s\n", hashFileHeader, p.hashType)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, p.hashes[k])
	}
	p.mu.Unlock()

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", out, err)
	}

	ws.registerCleanup(out)
	return c.AddGeneratedFile(transport.LocalURL(out))
}

func (p *HashProcessor) PerformPostTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error {
	var source string
	for _, f := range c.Files(domain.CollectionGenerated) {
		if path.Base(f.RelPath) == p.outputName() {
			source = f.LFN
			break
		}
	}
	if source == "" {
		return fmt.Errorf("hash file %s not found in generated files", p.outputName())
	}

	expected, algorithm, err := p.readHashFile(ctx, ws, source)
	if err != nil {
		return err
	}
	if algorithm != "" && algorithm != p.hashType {
		ws.logger().WithField("processor", p.uid).Warnf("hash file uses %s, validating with it instead of %s", algorithm, p.hashType)
	}
	validator := p
	if algorithm != "" {
		validator = &HashProcessor{uid: p.uid, hashType: algorithm}
	}

	for _, f := range c.Files(domain.CollectionData) {
		if err := ctx.Err(); err != nil {
			return err
		}
		want, ok := expected[f.RelPath]
		if !ok {
			return fmt.Errorf("no digest recorded for %s", f.RelPath)
		}
		got, err := validator.digest(ctx, ws, f.LFN)
		if err != nil {
			return fmt.Errorf("hash %s: %w", f.RelPath, err)
		}
		if got != want {
			return fmt.Errorf("digest mismatch for %s: expected %s, got %s", f.RelPath, want, got)
		}
	}
	ws.logger().WithField("processor", p.uid).Infof("validated %d digests", len(expected))
	return nil
}

func (p *HashProcessor) FinalizePostTransferProcessing(ctx context.Context, ws *Workspace, c *domain.Container) error {
	return nil
}

func (p *HashProcessor) readHashFile(ctx context.Context, ws *Workspace, location string) (map[string]string, HashType, error) {
	h, err := ws.Resolver.Resolve(location)
	if err != nil {
		return nil, "", err
	}
	r, err := h.Open(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("open hash file: %w", err)
	}
	defer r.Close()

	var algorithm HashType
	hashes := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, hashFileHeader) {
			if t, ok := parseHashType(strings.TrimPrefix(line, hashFileHeader)); ok {
				algorithm = t
			}
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) == 2 {
			hashes[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("read hash file: %w", err)
	}
	return hashes, algorithm, nil
}

func (p *HashProcessor) digest(ctx context.Context, ws *Workspace, location string) (string, error) {
	h, err := ws.Resolver.Resolve(location)
	if err != nil {
		return "", err
	}
	r, err := h.Open(ctx)
	if err != nil {
		return "", err
	}
	defer r.Close()

	hasher, err := p.hashType.newHash()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

var _ Processor = (*HashProcessor)(nil)
