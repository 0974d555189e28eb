package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	"ccs_harvester/internal/session"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

// stepFormatProfile is the one 3D format variant the harvest pipeline
// generates. The generation portal remembers the selection per session,
// so it is applied once per portal handoff.
const stepFormatProfile = "STEP AP214"

const generationPollInterval = 2 * time.Second

// cadenasClient drives the secondary CAD-generation portal: format
// profile selection, generation trigger, bounded completion polling and
// the final file download. The rest of the pipeline treats STEP like
// any other kind once bytes are on disk.
type cadenasClient struct {
	http    *resty.Client
	timeout time.Duration

	// portals where the format profile was already selected.
	prepared map[string]bool
}

func newCadenasClient(userAgent string, timeout time.Duration) *cadenasClient {
	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err == nil {
		client.SetCookieJar(jar)
	}
	client.SetHeader("user-agent", userAgent)
	client.SetTimeout(timeout)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	return &cadenasClient{
		http:     client,
		timeout:  timeout,
		prepared: make(map[string]bool),
	}
}

type generationJob struct {
	Job string `json:"job"`
}

type generationStatus struct {
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl"`
	Message     string `json:"message"`
}

// fetchSTEP runs the full sub-protocol and returns a temp path holding
// the generated file.
func (c *cadenasClient) fetchSTEP(ctx context.Context, handoffURL, tempDir string) (string, error) {
	portalURL, err := c.resolvePortal(ctx, handoffURL)
	if err != nil {
		return "", err
	}

	if !c.prepared[portalURL] {
		if err := c.selectFormat(ctx, portalURL); err != nil {
			return "", err
		}
		c.prepared[portalURL] = true
	}

	job, err := c.startGeneration(ctx, portalURL)
	if err != nil {
		return "", err
	}

	downloadURL, err := c.awaitGeneration(ctx, portalURL, job)
	if err != nil {
		return "", err
	}

	return c.download(ctx, downloadURL, tempDir)
}

// resolvePortal follows the vendor's CAD handoff page to the embedded
// generation portal URL.
func (c *cadenasClient) resolvePortal(ctx context.Context, handoffURL string) (string, error) {
	res, err := c.http.R().SetContext(ctx).Get(handoffURL)
	if err != nil {
		return "", &session.FetchError{Timeout: isTimeout(err), Err: err}
	}
	if res.StatusCode() != 200 {
		return "", &session.FetchError{Err: fmt.Errorf("CAD handoff returned HTTP %d", res.StatusCode())}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return "", &session.FetchError{Err: err}
	}
	src := doc.Find("iframe[src*='cadenas']").AttrOr("src", "")
	if src == "" {
		// Some series link straight into the portal.
		return handoffURL, nil
	}
	if strings.HasPrefix(src, "//") {
		src = "https:" + src
	}
	return src, nil
}

func (c *cadenasClient) selectFormat(ctx context.Context, portalURL string) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"format": stepFormatProfile}).
		Post(portalURL + "/api/formats")
	if err != nil {
		return &session.FetchError{Timeout: isTimeout(err), Err: err}
	}
	if res.StatusCode() != 200 {
		return &session.FetchError{Err: fmt.Errorf("format selection returned HTTP %d", res.StatusCode())}
	}
	slog.Debug("CAD format profile selected", "portal", portalURL, "format", stepFormatProfile)
	return nil
}

func (c *cadenasClient) startGeneration(ctx context.Context, portalURL string) (string, error) {
	res, err := c.http.R().SetContext(ctx).Post(portalURL + "/api/generate")
	if err != nil {
		return "", &session.FetchError{Timeout: isTimeout(err), Err: err}
	}
	if res.StatusCode() != 200 {
		return "", &session.FetchError{Err: fmt.Errorf("generation trigger returned HTTP %d", res.StatusCode())}
	}

	var job generationJob
	if err := json.Unmarshal(res.Body(), &job); err != nil {
		return "", &session.FetchError{Err: fmt.Errorf("unexpected generation response: %w", err)}
	}
	if job.Job == "" {
		return "", &session.FetchError{Err: fmt.Errorf("generation trigger returned no job id")}
	}
	return job.Job, nil
}

// awaitGeneration polls until the portal reports the job finished, the
// timeout elapses or the context is cancelled.
func (c *cadenasClient) awaitGeneration(ctx context.Context, portalURL, job string) (string, error) {
	deadline := time.Now().Add(c.timeout)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", &session.FetchError{Timeout: true, Err: fmt.Errorf("generation job %s did not finish within %s", job, c.timeout)}
		}

		res, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("job", job).
			Get(portalURL + "/api/status")
		if err != nil {
			return "", &session.FetchError{Timeout: isTimeout(err), Err: err}
		}

		var status generationStatus
		if err := json.Unmarshal(res.Body(), &status); err != nil {
			return "", &session.FetchError{Err: fmt.Errorf("unexpected status response: %w", err)}
		}
		switch status.Status {
		case "finished", "done":
			if status.DownloadURL == "" {
				return "", &session.FetchError{Err: fmt.Errorf("job %s finished without a download url", job)}
			}
			return status.DownloadURL, nil
		case "failed", "error":
			return "", &session.FetchError{Err: fmt.Errorf("generation job %s failed: %s", job, status.Message)}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(generationPollInterval):
		}
	}
}

func (c *cadenasClient) download(ctx context.Context, downloadURL, tempDir string) (string, error) {
	tmp, err := os.CreateTemp(tempDir, "step-*.stp")
	if err != nil {
		return "", &session.FetchError{Err: err}
	}
	tmp.Close()

	res, err := c.http.R().
		SetContext(ctx).
		SetOutput(tmp.Name()).
		Get(downloadURL)
	if err != nil {
		os.Remove(tmp.Name())
		return "", &session.FetchError{Timeout: isTimeout(err), Err: err}
	}
	if res.StatusCode() != 200 {
		os.Remove(tmp.Name())
		return "", &session.FetchError{Err: fmt.Errorf("CAD download returned HTTP %d", res.StatusCode())}
	}
	return tmp.Name(), nil
}
