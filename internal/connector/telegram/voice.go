package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxVoiceBytes is above Telegram's 20MB bot download limit.
const maxVoiceBytes = 25 << 20

// VoiceConfig holds settings for transcribing voice replies through a
// Whisper-compatible API (OpenAI, Groq, ...).
type VoiceConfig struct {
	URL    string // default https://api.groq.com/openai/v1/audio/transcriptions
	APIKey string
	Model  string // default whisper-large-v3-turbo
}

// transcribeVoice downloads a voice or audio reply and returns its text.
func (c *Connector) transcribeVoice(ctx context.Context, msg *tgbotapi.Message) (string, error) {
	var fileID string
	switch {
	case msg.Voice != nil:
		fileID = msg.Voice.FileID
	case msg.Audio != nil:
		fileID = msg.Audio.FileID
	default:
		return "", fmt.Errorf("no voice or audio in message")
	}

	fileURL, err := c.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("get file URL: %w", err)
	}

	audio, err := downloadFile(ctx, fileURL)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}

	text, err := transcribeAudio(ctx, c.config.Voice, fmt.Sprintf("reply_%d.ogg", msg.MessageID), audio)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return text, nil
}

func downloadFile(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxVoiceBytes))
}

// transcribeAudio uploads audio to a Whisper-compatible endpoint.
func transcribeAudio(ctx context.Context, cfg *VoiceConfig, filename string, audio []byte) (string, error) {
	url := cfg.URL
	if url == "" {
		url = "https://api.groq.com/openai/v1/audio/transcriptions"
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-large-v3-turbo"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return "", err
	}
	w.WriteField("model", model)
	w.WriteField("response_format", "json")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse transcription response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
