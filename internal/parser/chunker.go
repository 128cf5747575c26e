package parser

import (
	"fmt"
	"strings"

	"job-agent-go/internal/types"
)

// ChunkerConfig 滑动窗口分块配置，单位都是rune
type ChunkerConfig struct {
	// ChunkSize 窗口大小
	ChunkSize int
	// Overlap 相邻分块的重叠长度
	Overlap int
	// ParagraphTolerance 硬切位置前允许回退多远去找段落/句子边界
	ParagraphTolerance int
}

// SlidingWindowChunker 把提取出的简历文本切成适配嵌入的分块。
// 切分优先选择段落边界，其次句子边界，最后才硬切；
// 所有分块去掉重叠部分后按序拼接，等于归一化后的全文。
type SlidingWindowChunker struct {
	cfg ChunkerConfig
}

// NewSlidingWindowChunker 创建分块器
func NewSlidingWindowChunker(cfg ChunkerConfig) (*SlidingWindowChunker, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size必须大于0")
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("overlap(%d)必须在[0, chunk_size)内", cfg.Overlap)
	}
	if cfg.ParagraphTolerance <= 0 {
		cfg.ParagraphTolerance = cfg.ChunkSize / 4
	}
	return &SlidingWindowChunker{cfg: cfg}, nil
}

// Chunk 对文档分块。文档没有文本时返回ErrEmptyDocument。
func (c *SlidingWindowChunker) Chunk(doc *types.ResumeDocument) ([]types.Chunk, error) {
	if doc == nil || len(doc.Pages) == 0 {
		return nil, ErrEmptyDocument
	}

	// 归一化每页文本并记录页起始的rune偏移
	pageTexts := make([]string, len(doc.Pages))
	for i := range doc.Pages {
		pageTexts[i] = NormalizeText(doc.Pages[i].Text)
	}
	fullText := strings.Join(pageTexts, "\n")
	runes := []rune(fullText)
	if len(strings.TrimSpace(fullText)) == 0 {
		return nil, ErrEmptyDocument
	}

	pageStarts := make([]int, len(pageTexts)) // 每页在runes中的起始偏移
	offset := 0
	for i, pt := range pageTexts {
		pageStarts[i] = offset
		offset += len([]rune(pt)) + 1 // 页间的'\n'
	}

	var chunks []types.Chunk
	start := 0
	position := 0
	for start < len(runes) {
		end := start + c.cfg.ChunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = c.pickBoundary(runes, start, end)
		}

		text := string(runes[start:end])
		chunks = append(chunks, types.Chunk{
			ChunkID:     fmt.Sprintf("%s-%04d", doc.VersionID, position),
			DocumentID:  doc.DocumentID,
			VersionID:   doc.VersionID,
			Position:    position,
			Text:        text,
			CharLen:     end - start,
			StartOffset: start,
			EndOffset:   end,
			PageStart:   pageAt(pageStarts, doc.Pages, start),
			PageEnd:     pageAt(pageStarts, doc.Pages, end-1),
		})
		position++

		if end == len(runes) {
			break
		}
		next := end - c.cfg.Overlap
		if next <= start {
			// 重叠不能吃掉全部进度
			next = start + 1
		}
		start = next
	}

	return chunks, nil
}

// pickBoundary 在[end-tolerance, end]内找最靠后的好切点。
// 优先空行（段落边界），其次句子结束符，找不到就保持硬切位置。
func (c *SlidingWindowChunker) pickBoundary(runes []rune, start, end int) int {
	low := end - c.cfg.ParagraphTolerance
	if low <= start {
		low = start + 1
	}

	// 段落边界：空行之后
	for i := end; i > low; i-- {
		if runes[i-1] == '\n' && i >= 2 && runes[i-2] == '\n' {
			return i
		}
	}
	// 句子边界：结束标点之后
	for i := end; i > low; i-- {
		switch runes[i-1] {
		case '.', '!', '?', '。', '！', '？', ';', '；', '\n':
			return i
		}
	}
	return end
}

// pageAt 二分定位rune偏移所在的页码
func pageAt(pageStarts []int, pages []types.ResumePage, offset int) int {
	lo, hi := 0, len(pageStarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if pageStarts[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return pages[lo].PageNo
}

// NormalizeText 空白归一化：统一换行符、去行尾空白、压缩连续空行。
// 分块重建不变量以该归一化结果为基准。
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// ReassembleChunks 按序拼接分块的非重叠部分，用于校验重建不变量
func ReassembleChunks(chunks []types.Chunk) string {
	var b strings.Builder
	prevEnd := 0
	for _, ch := range chunks {
		runes := []rune(ch.Text)
		skip := 0
		if ch.StartOffset < prevEnd {
			skip = prevEnd - ch.StartOffset
		}
		if skip < len(runes) {
			b.WriteString(string(runes[skip:]))
		}
		if ch.EndOffset > prevEnd {
			prevEnd = ch.EndOffset
		}
	}
	return b.String()
}
