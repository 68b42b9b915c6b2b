package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "mochigami/backend/pkg/errors"
	"mochigami/backend/pkg/logger"
)

var ttsCleaner = strings.NewReplacer(
	"🔮", "",
	"**", "",
	"【", "",
	"】", "",
	"\n", "。",
)

// CleanForSpeech strips chat decoration that the synthesizer would read aloud
func CleanForSpeech(text string) string {
	return ttsCleaner.Replace(text)
}

// SpeakerStyle is one selectable voice
type SpeakerStyle struct {
	ID        int
	Character string
	Style     string
}

// FullName is the "character / style" label shown to users
func (s SpeakerStyle) FullName() string {
	return s.Character + " / " + s.Style
}

type speakerJSON struct {
	Name   string `json:"name"`
	Styles []struct {
		Name string `json:"name"`
		ID   int    `json:"id"`
	} `json:"styles"`
}

// VoicevoxClient synthesizes speech through a VOICEVOX engine
type VoicevoxClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	mu       sync.RWMutex
	speakers []SpeakerStyle
}

// NewVoicevoxClient creates a client for the engine at baseURL
func NewVoicevoxClient(baseURL string) *VoicevoxClient {
	return &VoicevoxClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.Get(),
	}
}

// Synthesize renders text with the given speaker style and returns WAV bytes
func (c *VoicevoxClient) Synthesize(ctx context.Context, text string, speakerID int) ([]byte, error) {
	clean := CleanForSpeech(text)
	if strings.TrimSpace(clean) == "" {
		return nil, apperrors.NewPipelineFailed("synthesis", 0, false, fmt.Errorf("nothing to say"))
	}

	params := url.Values{}
	params.Set("text", clean)
	params.Set("speaker", strconv.Itoa(speakerID))

	query, err := c.post(ctx, "/audio_query?"+params.Encode(), nil)
	if err != nil {
		return nil, apperrors.NewPipelineFailed("audio_query", 1, true, err)
	}

	wav, err := c.post(ctx, "/synthesis?"+params.Encode(), query)
	if err != nil {
		return nil, apperrors.NewPipelineFailed("synthesis", 1, true, err)
	}

	c.logger.Debug("Speech synthesized",
		zap.Int("speaker_id", speakerID),
		zap.Int("text_length", len(clean)),
		zap.Int("wav_bytes", len(wav)),
	)
	return wav, nil
}

func (c *VoicevoxClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voicevox %s: status %d", strings.SplitN(path, "?", 2)[0], resp.StatusCode)
	}
	return data, nil
}

// RefreshSpeakers loads the speaker catalogue from the engine
func (c *VoicevoxClient) RefreshSpeakers(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/speakers", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NewPipelineFailed("speakers", 1, true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewPipelineFailed("speakers", 1, true, fmt.Errorf("status %d", resp.StatusCode))
	}

	var raw []speakerJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return apperrors.NewPipelineFailed("speakers", 1, false, err)
	}

	var styles []SpeakerStyle
	for _, sp := range raw {
		for _, st := range sp.Styles {
			styles = append(styles, SpeakerStyle{ID: st.ID, Character: sp.Name, Style: st.Name})
		}
	}

	c.mu.Lock()
	c.speakers = styles
	c.mu.Unlock()

	c.logger.Info("Loaded VOICEVOX speakers",
		zap.Int("characters", len(raw)),
		zap.Int("styles", len(styles)),
	)
	return nil
}

// Speakers returns the cached catalogue in engine order
func (c *VoicevoxClient) Speakers() []SpeakerStyle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SpeakerStyle, len(c.speakers))
	copy(out, c.speakers)
	return out
}

// Speaker looks up a style by ID
func (c *VoicevoxClient) Speaker(id int) (SpeakerStyle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.speakers {
		if s.ID == id {
			return s, true
		}
	}
	return SpeakerStyle{}, false
}

// SearchSpeakers returns up to limit styles whose full name contains query
func (c *VoicevoxClient) SearchSpeakers(query string, limit int) []SpeakerStyle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []SpeakerStyle
	for _, s := range c.speakers {
		if query == "" || strings.Contains(s.FullName(), query) {
			out = append(out, s)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
