package pttflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type transcribeRequest struct {
	Media    string `json:"media"`
	Language string `json:"language,omitempty"`
}

type translateRequest struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
}

type textResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// Transcribe asks the service to convert a voice clip to text.
func (c *Client) Transcribe(ctx context.Context, a *Auth, mediaURL, language string) (string, error) {
	if mediaURL == "" {
		return "", NewConfigError("MediaURL", "", "cannot be empty")
	}
	var tr textResponse
	if err := c.doJSON(ctx, "POST", "/speech/transcribe", token(a), transcribeRequest{Media: mediaURL, Language: language}, &tr); err != nil {
		return "", err
	}
	return tr.Text, nil
}

// Translate asks the service to translate text. An empty source lets the
// service detect it.
func (c *Client) Translate(ctx context.Context, a *Auth, text, source, target string) (string, error) {
	if target == "" {
		return "", NewConfigError("TargetLanguage", "", "cannot be empty")
	}
	if text == "" {
		return "", nil
	}
	if source != "" && source == target {
		return text, nil
	}
	var tr textResponse
	if err := c.doJSON(ctx, "POST", "/speech/translate", token(a), translateRequest{Text: text, Source: source, Target: target}, &tr); err != nil {
		return "", err
	}
	return tr.Text, nil
}

func decodeJSON(r io.Reader, out any) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("pttflow: empty response body")
		}
		return fmt.Errorf("pttflow: decode response: %w", err)
	}
	return nil
}
