package parser

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"job-agent-go/internal/config"

	"github.com/rs/zerolog"
)

// TikaOCRClient 通过Apache Tika对扫描件页面做光学字符识别。
// 一次PUT /tika请求处理整个PDF，强制渲染内嵌图片并走Tesseract，
// 再按XHTML的分页div切回逐页文本。
// OCR引擎对同一输入可能有微小输出差异，这是已接受的非确定性。
type TikaOCRClient struct {
	serverURL   string
	ocrLanguage string
	httpClient  *http.Client
	logger      zerolog.Logger
}

// TikaOption OCR客户端构造选项
type TikaOption func(*TikaOCRClient)

// WithTikaHTTPClient 替换HTTP客户端（测试时注入）
func WithTikaHTTPClient(client *http.Client) TikaOption {
	return func(c *TikaOCRClient) {
		c.httpClient = client
	}
}

// WithTikaLogger 设置日志记录器
func WithTikaLogger(logger zerolog.Logger) TikaOption {
	return func(c *TikaOCRClient) {
		c.logger = logger
	}
}

// NewTikaOCRClient 创建Tika OCR客户端
func NewTikaOCRClient(cfg config.TikaConfig, options ...TikaOption) (*TikaOCRClient, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("tika server_url不能为空")
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	c := &TikaOCRClient{
		serverURL:   strings.TrimRight(cfg.ServerURL, "/"),
		ocrLanguage: cfg.OCRLanguage,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// ExtractPages 对整个PDF执行OCR，返回逐页文本（下标0对应第1页）
func (c *TikaOCRClient) ExtractPages(ctx context.Context, data []byte) ([]string, error) {
	startTime := time.Now()

	url := c.serverURL + "/tika"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建Tika请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/pdf")
	// XHTML输出保留<div class="page">分页结构
	req.Header.Set("Accept", "text/html")
	// 强制渲染内嵌图片并OCR，用于无文本层的扫描件
	req.Header.Set("X-Tika-PDFextractInlineImages", "true")
	req.Header.Set("X-Tika-PDFOcrStrategy", "ocr_and_text_extraction")
	if c.ocrLanguage != "" {
		req.Header.Set("X-Tika-OCRLanguage", c.ocrLanguage)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送Tika请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tika服务器返回错误状态码: %d, 响应: %s",
			resp.StatusCode, truncateForLog(string(body), 256))
	}

	htmlBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取Tika响应失败: %w", err)
	}

	pages := splitXHTMLPages(string(htmlBytes))
	c.logger.Debug().Int("pages", len(pages)).
		Dur("duration", time.Since(startTime)).Msg("Tika OCR完成")
	return pages, nil
}

var (
	pageDivRe = regexp.MustCompile(`(?s)<div[^>]*class="page"[^>]*>(.*?)</div>`)
	tagRe     = regexp.MustCompile(`(?s)<[^>]+>`)
	brRe      = regexp.MustCompile(`(?i)<(?:br|/p|/div|/h[1-6])\s*/?>`)
)

// splitXHTMLPages 把Tika的XHTML输出切成逐页纯文本。
// 没有分页div时整个body算作一页。
func splitXHTMLPages(xhtml string) []string {
	matches := pageDivRe.FindAllStringSubmatch(xhtml, -1)
	if len(matches) == 0 {
		text := stripTags(xhtml)
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}

	pages := make([]string, 0, len(matches))
	for _, m := range matches {
		pages = append(pages, stripTags(m[1]))
	}
	return pages
}

// stripTags 去掉HTML标签，块级标签结尾转换行
func stripTags(s string) string {
	s = brRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)

	// 压缩连续空行
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
