package tencent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	asr "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/asr/v20190614"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	tcerr "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/errors"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"

	applog "maia/internal/platform/log"
)

// 一句话识别单次音频上限（base64 前）
const maxSentenceBytes = 3 << 20

const defaultEndpoint = "asr.tencentcloudapi.com"

var (
	ErrAudioTooLarge     = errors.New("audio exceeds sentence recognition limit")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// 一句话识别接受的 VoiceFormat
var voiceFormats = map[string]string{
	"wav":      "wav",
	"wave":     "wav",
	"x-wav":    "wav",
	"pcm":      "pcm",
	"ogg-opus": "ogg-opus",
	"opus":     "ogg-opus",
	"ogg":      "ogg-opus",
	"speex":    "speex",
	"silk":     "silk",
	"mp3":      "mp3",
	"mpeg":     "mp3",
	"m4a":      "m4a",
	"aac":      "aac",
	"amr":      "amr",
}

// voiceFormat 接受扩展名（可带点）或 audio/* MIME 子类型
func voiceFormat(format string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	f = strings.TrimPrefix(f, "audio/")
	f = strings.TrimPrefix(f, ".")
	if v, ok := voiceFormats[f]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// Config 腾讯云语音识别配置
type Config struct {
	SecretID  string
	SecretKey string
	Region    string
	Engine    string // 例如 16k_en、16k_zh
	Endpoint  string // 可选，默认 asr.tencentcloudapi.com；http:// 前缀走明文
}

// Transcriber 基于腾讯云一句话识别的语音转写
type Transcriber struct {
	client *asr.Client
	engine string
}

// New 创建转写器
func New(cfg Config) (*Transcriber, error) {
	if cfg.SecretID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("tencent cloud credentials are required")
	}
	if cfg.Engine == "" {
		cfg.Engine = "16k_en"
	}

	cred := common.NewCredential(cfg.SecretID, cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = defaultEndpoint
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		switch {
		case strings.HasPrefix(ep, "http://"):
			cpf.HttpProfile.Scheme = "HTTP"
			ep = strings.TrimPrefix(ep, "http://")
		case strings.HasPrefix(ep, "https://"):
			ep = strings.TrimPrefix(ep, "https://")
		}
		cpf.HttpProfile.Endpoint = strings.TrimRight(ep, "/")
	}

	client, err := asr.NewClient(cred, cfg.Region, cpf)
	if err != nil {
		return nil, fmt.Errorf("create asr client: %w", err)
	}
	return &Transcriber{client: client, engine: cfg.Engine}, nil
}

// Transcribe 识别一段音频，format 为 wav / mp3 / m4a 等。
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	if len(audio) > maxSentenceBytes {
		return "", ErrAudioTooLarge
	}
	vf, err := voiceFormat(format)
	if err != nil {
		return "", err
	}

	req := asr.NewSentenceRecognitionRequest()
	req.EngSerViceType = common.StringPtr(t.engine)
	req.SourceType = common.Uint64Ptr(1)
	req.VoiceFormat = common.StringPtr(vf)
	req.Data = common.StringPtr(base64.StdEncoding.EncodeToString(audio))
	req.DataLen = common.Int64Ptr(int64(len(audio)))

	resp, err := t.client.SentenceRecognitionWithContext(ctx, req)
	if err != nil {
		var sdkErr *tcerr.TencentCloudSDKError
		if errors.As(err, &sdkErr) {
			applog.Warn("[Speech/Tencent] Recognition rejected", "code", sdkErr.Code, "request_id", sdkErr.RequestId)
		}
		return "", fmt.Errorf("sentence recognition: %w", err)
	}
	if resp.Response == nil || resp.Response.Result == nil {
		return "", nil
	}

	text := strings.TrimSpace(*resp.Response.Result)
	applog.Debug("[Speech/Tencent] Transcribed", "bytes", len(audio), "chars", len(text))
	return text, nil
}
