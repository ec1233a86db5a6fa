package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mosaiq/backend/internal/store"
)

// mirrorOutputs runs in the background after a job succeeds: it downloads the
// provider-hosted artifact URLs (which expire) and re-uploads them to our own
// bucket, then rewrites output_images with the permanent URLs. The user sees
// the provider URLs immediately; they are swapped once the copy is done.
func (o *Orchestrator) mirrorOutputs(jobID uuid.UUID, imgs []store.OutputImage) {
	// Without a public base URL a mirrored copy has no fetchable address, so
	// rewriting output_images would replace working provider URLs with bucket
	// keys.
	if o.Media == nil || !o.Media.HasPublicURL() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		client := &http.Client{Timeout: 2 * time.Minute}
		mirrored := make([]store.OutputImage, 0, len(imgs))
		changed := false
		for i, img := range imgs {
			url := o.mirrorOne(ctx, client, img.URL, jobID.String(), i)
			if url != "" && url != img.URL {
				img.URL = url
				changed = true
			}
			mirrored = append(mirrored, img)
		}
		if !changed {
			return
		}
		if err := o.Store.UpdateJobOutputImages(ctx, jobID, mirrored); err != nil {
			o.Log.Warn().Err(err).Stringer("job_id", jobID).Msg("mirror: update outputs")
		}
	}()
}

func (o *Orchestrator) mirrorOne(ctx context.Context, client *http.Client, url, jobIDStr string, index int) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if i := strings.Index(contentType, ";"); i > 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	key := fmt.Sprintf("jobs/%s/%d%s", jobIDStr, index, extFromContentType(contentType))
	if _, err := o.Media.Put(ctx, key, bytes.NewReader(body), contentType); err != nil {
		o.Log.Warn().Err(err).Str("key", key).Msg("mirror: upload")
		return ""
	}
	return o.Media.URL(key)
}

func extFromContentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/jpeg"), strings.HasPrefix(contentType, "image/jpg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	case strings.HasPrefix(contentType, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(contentType, "video/webm"):
		return ".webm"
	}
	return ".png"
}
