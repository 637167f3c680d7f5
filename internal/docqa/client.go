package docqa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/pkg/errors"
)

const PDFContentType = "application/pdf"

// Client asks a remote document-question endpoint: a multipart POST with the
// file under "pdf" and the question under "question", answered with
// {"answer": ...} or {"error": ...}.
type Client struct {
	Endpoint string
	HTTP     *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{Endpoint: endpoint, HTTP: &http.Client{}}
}

type endpointResp struct {
	Answer string `json:"answer"`
	Error  string `json:"error"`
}

func (c *Client) AskDocument(ctx context.Context, name string, data []byte, question string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="pdf"; filename=%q`, name))
	h.Set("Content-Type", PDFContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", errors.Wrap(err, "build upload")
	}
	if _, err := part.Write(data); err != nil {
		return "", errors.Wrap(err, "build upload")
	}
	if err := mw.WriteField("question", question); err != nil {
		return "", errors.Wrap(err, "build upload")
	}
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, "build upload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "document endpoint")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	var out endpointResp
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode/100 != 2 {
		if decodeErr == nil && out.Error != "" {
			return "", errors.New(out.Error)
		}
		return "", errors.Errorf("document endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if decodeErr != nil {
		return "", errors.Wrap(decodeErr, "decode document answer")
	}
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	return out.Answer, nil
}
