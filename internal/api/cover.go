package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/airwave/internal/database"
	"github.com/snarg/airwave/internal/metadata"
)

//go:embed assets/default_cover.png
var defaultCover []byte

const itunesSearchURL = "https://itunes.apple.com/search"

// GET /api/cover?file= OR ?artist=&album=
// Never 404s: a miss serves the bundled placeholder so clients can bind the
// URL unconditionally.
func (h *handlers) cover(w http.ResponseWriter, r *http.Request) {
	if file := r.URL.Query().Get("file"); file != "" {
		h.coverFromFile(w, r, file)
		return
	}
	artist := r.URL.Query().Get("artist")
	album := r.URL.Query().Get("album")
	if artist == "" && album == "" {
		WriteError(w, http.StatusBadRequest, "file or artist/album is required")
		return
	}
	h.coverFromCache(w, r, artist, album)
}

// coverFromFile serves the artwork embedded in a track's tags.
func (h *handlers) coverFromFile(w http.ResponseWriter, r *http.Request, file string) {
	f, err := os.Open(filepath.Clean(file))
	if err != nil {
		h.serveDefault(w)
		return
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil || meta == nil {
		h.serveDefault(w)
		return
	}
	pic := meta.Picture()
	if pic == nil || len(pic.Data) == 0 {
		h.serveDefault(w)
		return
	}

	mime := pic.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(pic.Data)
}

// coverFromCache serves cached artwork for artist/album, fetching it on a
// miss when remote lookup is enabled.
func (h *handlers) coverFromCache(w http.ResponseWriter, r *http.Request, artist, album string) {
	ctx := r.Context()
	key := metadata.ArtworkKey(artist, album)

	if entry, err := h.opts.Store.GetArtwork(ctx, key); err == nil && entry != nil {
		if data, err := os.ReadFile(entry.LocalPath); err == nil {
			h.opts.Store.TouchArtwork(ctx, key)
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Cache-Control", "public, max-age=86400")
			w.Write(data)
			return
		}
	}

	if h.opts.Config.ArtworkFetch {
		if path, err := h.fetchRemoteArtwork(ctx, key, artist, album); err == nil {
			if data, err := os.ReadFile(path); err == nil {
				w.Header().Set("Content-Type", "image/jpeg")
				w.Header().Set("Cache-Control", "public, max-age=86400")
				w.Write(data)
				return
			}
		} else {
			hlog.FromRequest(r).Debug().Err(err).Str("artist", artist).Str("album", album).Msg("artwork fetch failed")
		}
	}

	h.serveDefault(w)
}

func (h *handlers) serveDefault(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(defaultCover)
}

// itunesResult is the slice of the search response we use.
type itunesResult struct {
	Results []struct {
		ArtworkURL100 string `json:"artworkUrl100"`
	} `json:"results"`
}

// fetchRemoteArtwork looks the album up in the iTunes search API, downloads
// the art into the artwork dir and records it in the cache.
func (h *handlers) fetchRemoteArtwork(ctx context.Context, key, artist, album string) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	term := strings.TrimSpace(artist + " " + album)
	searchURL := fmt.Sprintf("%s?term=%s&entity=album&limit=1", itunesSearchURL, url.QueryEscape(term))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search status %d", resp.StatusCode)
	}

	var result itunesResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Results) == 0 || result.Results[0].ArtworkURL100 == "" {
		return "", fmt.Errorf("no artwork for %q", term)
	}

	// The API hands back a 100x100 thumb; the same path serves 600x600.
	artURL := strings.Replace(result.Results[0].ArtworkURL100, "100x100", "600x600", 1)
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, artURL, nil)
	if err != nil {
		return "", err
	}
	imgResp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer imgResp.Body.Close()
	if imgResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artwork status %d", imgResp.StatusCode)
	}

	if err := os.MkdirAll(h.opts.Config.ArtworkDir, 0o755); err != nil {
		return "", err
	}
	localPath := filepath.Join(h.opts.Config.ArtworkDir, key+".jpg")
	f, err := os.Create(localPath)
	if err != nil {
		return "", err
	}
	size, err := io.Copy(f, imgResp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return "", err
	}

	if err := h.opts.Store.PutArtwork(ctx, &database.ArtworkEntry{
		Key:       key,
		Artist:    artist,
		Album:     album,
		SourceURI: artURL,
		LocalPath: localPath,
		SizeBytes: size,
	}); err != nil {
		return "", err
	}
	return localPath, nil
}
