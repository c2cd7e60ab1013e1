package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/deviant-guru/reliw/pkg/types"
)

// MimeDynamic marks content that resolves through the registered
// dynamic handler table instead of being served verbatim.
const MimeDynamic = "text/x-lua"

// tryExtensions are appended, in order, when the resolved path does
// not exist and the entry enables extension probing.
var tryExtensions = []string{".lua", ".dj", ".md"}

// extraMimeTypes covers extensions the platform mime database does not
// know about.
var extraMimeTypes = map[string]string{
	".lua": MimeDynamic,
	".dj":  "text/x-djot",
	".md":  "text/markdown",
}

// ContentDigest computes the hex digest used for cache validation and
// ETags. Always recomputed from bytes read off disk, never trusted
// from the cache alone.
func ContentDigest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FetchContent resolves and returns the content for a query against an
// entry's metadata: explicit file, filesystem-path derivation,
// extension probing or gsub remap, then the file cache, then disk.
// Content read from disk is cached for an hour when it fits under the
// configured cache size limit.
func (s *Store) FetchContent(ctx context.Context, host, query string, meta *types.EntryMeta) (*types.Content, error) {
	filename := meta.File
	if filename == "" {
		filename = query
		if strings.HasSuffix(filename, "/") && meta.Index != "" {
			filename += meta.Index
		}
	}

	filename, err := s.resolveFilename(host, filename, meta)
	if err != nil {
		return nil, err
	}

	if cached, err := s.cachedFile(ctx, host, filename); err == nil {
		return cached, nil
	}

	path, err := s.contentPath(host, filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotFound
	}

	content := &types.Content{
		Body: data,
		Hash: ContentDigest(data),
		Size: int64(len(data)),
		Mime: mimeByExtension(filename),
	}
	content.Title = s.titleFor(ctx, host, filename, meta)

	if content.Size <= s.cacheMaxSize {
		s.cacheFile(ctx, host, filename, content)
	}

	return content, nil
}

// resolveFilename applies extension probing and the gsub remap when
// the named file does not exist on disk.
func (s *Store) resolveFilename(host, filename string, meta *types.EntryMeta) (string, error) {
	path, err := s.contentPath(host, filename)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return filename, nil
	}

	if meta.TryExtensions {
		for _, ext := range tryExtensions {
			candidate := filename + ext
			path, err := s.contentPath(host, candidate)
			if err != nil {
				continue
			}
			if _, err := os.Stat(path); err == nil {
				return candidate, nil
			}
		}
	}

	if meta.Gsub != nil && meta.Gsub.Pattern != "" {
		// Literal remap, not a pattern substitution.
		candidate := strings.ReplaceAll(filename, meta.Gsub.Pattern, meta.Gsub.Replacement)
		if candidate != filename {
			path, err := s.contentPath(host, candidate)
			if err != nil {
				return "", err
			}
			if _, err := os.Stat(path); err == nil {
				return candidate, nil
			}
		}
	}

	return "", ErrNotFound
}

// contentPath maps a filename onto the host's data directory and
// refuses anything that escapes it.
func (s *Store) contentPath(host, filename string) (string, error) {
	root := filepath.Join(s.dataDir, host)
	path := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(filename, "/")))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("filename %q escapes the data directory", filename)
	}
	return path, nil
}

// cachedFile returns the cache entry for a filename, or ErrNotFound.
func (s *Store) cachedFile(ctx context.Context, host, filename string) (*types.Content, error) {
	fields, err := s.rdb.HGetAll(ctx, s.keyFile(host, filename)).Result()
	if err != nil || len(fields) == 0 {
		return nil, ErrNotFound
	}

	size, _ := strconv.ParseInt(fields["size"], 10, 64)
	return &types.Content{
		Body:  []byte(fields["content"]),
		Hash:  fields["hash"],
		Size:  size,
		Mime:  fields["mime"],
		Title: fields["title"],
	}, nil
}

// cacheFile writes a cache entry with the fixed one hour TTL. Cache
// write failures are deliberately swallowed: the content was already
// read from disk and the next request simply misses again.
func (s *Store) cacheFile(ctx context.Context, host, filename string, c *types.Content) {
	key := s.keyFile(host, filename)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"content", string(c.Body),
		"hash", c.Hash,
		"size", strconv.FormatInt(c.Size, 10),
		"mime", c.Mime,
		"title", c.Title,
	)
	pipe.Expire(ctx, key, FileCacheTTL)
	_, _ = pipe.Exec(ctx)
}

// titleFor consults the per-host title override table before falling
// back to the entry metadata title.
func (s *Store) titleFor(ctx context.Context, host, filename string, meta *types.EntryMeta) string {
	title, err := s.rdb.HGet(ctx, s.keyTitles(host), filename).Result()
	if err == nil && title != "" {
		return title
	}
	return meta.Title
}

// SetTitle writes a title override for a filename. Provisioning only.
func (s *Store) SetTitle(ctx context.Context, host, filename, title string) error {
	if err := s.rdb.HSet(ctx, s.keyTitles(host), filename, title).Err(); err != nil {
		return fmt.Errorf("failed to write title override %s/%s: %v", host, filename, err)
	}
	return nil
}

// UserData returns the raw stored blob for entries that have no file
// and no filesystem derivation, keyed directly by entry id.
func (s *Store) UserData(ctx context.Context, host, id string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.ns+":DATA:"+host+":"+id).Result()
	if err != nil {
		if nerr := notFound(err); nerr == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read user data %s/%s: %v", host, id, err)
	}
	return []byte(data), nil
}

// SetUserData writes a raw user-data blob. Provisioning only.
func (s *Store) SetUserData(ctx context.Context, host, id string, data []byte) error {
	if err := s.rdb.Set(ctx, s.ns+":DATA:"+host+":"+id, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write user data %s/%s: %v", host, id, err)
	}
	return nil
}

// mimeByExtension resolves a filename's MIME type from its extension.
func mimeByExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if m, ok := extraMimeTypes[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension(ext); m != "" {
		return m
	}
	return "application/octet-stream"
}
