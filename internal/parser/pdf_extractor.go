package parser

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"job-agent-go/internal/types"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

// 提取阶段的基础错误
var (
	// ErrUnreadableDocument 原生提取和OCR都拿不到可用文本，摄入失败
	ErrUnreadableDocument = errors.New("文档无法读取")
	// ErrEmptyDocument 提取结果没有文本内容
	ErrEmptyDocument = errors.New("文档没有文本内容")
)

// NativePageParser 原生文本层的逐页提取
type NativePageParser interface {
	ParsePages(ctx context.Context, data []byte, uri string) ([]string, error)
}

// OCRPageParser 对扫描件整体OCR后按页返回文本
type OCRPageParser interface {
	ExtractPages(ctx context.Context, data []byte) ([]string, error)
}

// EinoPDFParser 基于eino-ext PDF解析器的原生文本层提取，按页分割
type EinoPDFParser struct {
	parser *pdf.PDFParser
	logger zerolog.Logger
}

var _ NativePageParser = (*EinoPDFParser)(nil)

// NewEinoPDFParser 创建逐页的原生PDF解析器
func NewEinoPDFParser(ctx context.Context, logger zerolog.Logger) (*EinoPDFParser, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: true, // 每页一个Document，密度判定需要页粒度
	})
	if err != nil {
		return nil, fmt.Errorf("创建eino PDF解析器失败: %w", err)
	}
	return &EinoPDFParser{parser: p, logger: logger}, nil
}

// ParsePages 提取PDF每一页的文本层内容
func (e *EinoPDFParser) ParsePages(ctx context.Context, data []byte, uri string) ([]string, error) {
	startTime := time.Now()

	docs, err := e.parser.Parse(ctx, bytes.NewReader(data), einoParser.WithURI(uri))
	if err != nil {
		return nil, fmt.Errorf("eino PDF解析失败 (URI: %s): %w", uri, err)
	}

	pages := make([]string, 0, len(docs))
	for _, doc := range docs {
		pages = append(pages, doc.Content)
	}

	e.logger.Debug().Int("pages", len(pages)).Str("uri", uri).
		Dur("duration", time.Since(startTime)).Msg("原生PDF文本层提取完成")
	return pages, nil
}

// DocumentExtractor 把PDF简历转成ResumeDocument。
// 先走原生文本层；单页文本低于密度阈值时用OCR结果替换并打上ocr标记。
// 对同一输入字节，原生路径是确定的；OCR路径有受限的引擎差异。
type DocumentExtractor struct {
	native          NativePageParser
	ocr             OCRPageParser // 可为nil，此时没有OCR回退
	minCharsPerPage int
	logger          zerolog.Logger
}

// ExtractorOption 提取器构造选项
type ExtractorOption func(*DocumentExtractor)

// WithOCRParser 启用OCR回退
func WithOCRParser(ocr OCRPageParser) ExtractorOption {
	return func(e *DocumentExtractor) {
		e.ocr = ocr
	}
}

// WithExtractorLogger 设置日志记录器
func WithExtractorLogger(logger zerolog.Logger) ExtractorOption {
	return func(e *DocumentExtractor) {
		e.logger = logger
	}
}

// NewDocumentExtractor 创建文档提取器。
// minCharsPerPage 是触发OCR的单页最小可用字符数。
func NewDocumentExtractor(native NativePageParser, minCharsPerPage int, options ...ExtractorOption) *DocumentExtractor {
	if minCharsPerPage <= 0 {
		minCharsPerPage = 32
	}
	e := &DocumentExtractor{
		native:          native,
		minCharsPerPage: minCharsPerPage,
		logger:          zerolog.Nop(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Extract 从PDF字节提取ResumeDocument。
// 所有页面在两条路径下都拿不到可用文本时返回ErrUnreadableDocument。
// 标识符和对象存储位置由摄入方填充。
func (e *DocumentExtractor) Extract(ctx context.Context, data []byte, sourceURI string) (*types.ResumeDocument, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: 输入为空", ErrUnreadableDocument)
	}

	nativePages, err := e.native.ParsePages(ctx, data, sourceURI)
	if err != nil {
		// 文本层整体解析失败不是终局，扫描件常见；整体走OCR
		e.logger.Warn().Err(err).Str("uri", sourceURI).Msg("原生文本层提取失败，尝试OCR")
		nativePages = nil
	}

	// 标出低密度页面
	needOCR := false
	if len(nativePages) == 0 {
		needOCR = true
	} else {
		for _, p := range nativePages {
			if pageTextDensity(p) < e.minCharsPerPage {
				needOCR = true
				break
			}
		}
	}

	var ocrPages []string
	if needOCR && e.ocr != nil {
		ocrPages, err = e.ocr.ExtractPages(ctx, data)
		if err != nil {
			e.logger.Warn().Err(err).Str("uri", sourceURI).Msg("OCR提取失败")
			ocrPages = nil
		}
	}

	pageCount := len(nativePages)
	if len(ocrPages) > pageCount {
		pageCount = len(ocrPages)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("%w: 原生提取和OCR均无结果 (URI: %s)", ErrUnreadableDocument, sourceURI)
	}

	pages := make([]types.ResumePage, 0, pageCount)
	usable := 0
	for i := 0; i < pageCount; i++ {
		var nativeText, ocrText string
		if i < len(nativePages) {
			nativeText = nativePages[i]
		}
		if i < len(ocrPages) {
			ocrText = ocrPages[i]
		}

		page := types.ResumePage{PageNo: i + 1, Text: nativeText, Method: types.ExtractionNative}
		// 原生密度不足且OCR产出更多内容时采用OCR结果
		if pageTextDensity(nativeText) < e.minCharsPerPage && pageTextDensity(ocrText) > pageTextDensity(nativeText) {
			page.Text = ocrText
			page.Method = types.ExtractionOCR
		}

		if pageTextDensity(page.Text) >= e.minCharsPerPage {
			usable++
		}
		pages = append(pages, page)
	}

	if usable == 0 {
		return nil, fmt.Errorf("%w: 没有页面达到最小字符密度 %d (URI: %s)",
			ErrUnreadableDocument, e.minCharsPerPage, sourceURI)
	}

	sum := md5.Sum(data)
	doc := &types.ResumeDocument{
		SourceURI:   sourceURI,
		ContentMD5:  hex.EncodeToString(sum[:]),
		ExtractedAt: time.Now().UTC(),
		Pages:       pages,
	}

	e.logger.Info().Str("uri", sourceURI).Int("pages", len(pages)).
		Int("usable_pages", usable).Msg("简历提取完成")
	return doc, nil
}

// pageTextDensity 单页可用字符数（去空白后的rune计数）
func pageTextDensity(text string) int {
	return utf8.RuneCountInString(strings.Join(strings.Fields(text), ""))
}
