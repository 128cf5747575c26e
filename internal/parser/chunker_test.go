package parser

import (
	"strings"
	"testing"

	"job-agent-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc(pages ...string) *types.ResumeDocument {
	doc := &types.ResumeDocument{
		DocumentID: "doc-1",
		VersionID:  "ver-1",
	}
	for i, text := range pages {
		doc.Pages = append(doc.Pages, types.ResumePage{
			PageNo: i + 1,
			Text:   text,
			Method: types.ExtractionNative,
		})
	}
	return doc
}

// TestChunkerReassembly 验证分块去掉重叠后按序拼接等于归一化全文
func TestChunkerReassembly(t *testing.T) {
	chunker, err := NewSlidingWindowChunker(ChunkerConfig{
		ChunkSize:          50,
		Overlap:            10,
		ParagraphTolerance: 15,
	})
	require.NoError(t, err)

	page1 := "工作经历：在某互联网公司担任后端开发工程师三年。\n\n负责订单系统的设计与迭代，主导过一次核心链路重构。"
	page2 := "技能：Go、MySQL、Redis、消息队列。\n\n教育背景：计算机科学与技术本科。"
	doc := testDoc(page1, page2)

	chunks, err := chunker.Chunk(doc)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	expected := NormalizeText(page1) + "\n" + NormalizeText(page2)
	assert.Equal(t, expected, ReassembleChunks(chunks))

	// 分块顺序与位置编号一致
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Position)
		assert.Equal(t, "ver-1", ch.VersionID)
		assert.Contains(t, ch.ChunkID, "ver-1-")
	}
}

// TestChunkerBoundaryPreference 硬切位置附近有段落边界时优先在边界切分
func TestChunkerBoundaryPreference(t *testing.T) {
	chunker, err := NewSlidingWindowChunker(ChunkerConfig{
		ChunkSize:          40,
		Overlap:            5,
		ParagraphTolerance: 20,
	})
	require.NoError(t, err)

	// 段落边界落在第30个rune附近，硬切位置是40
	para1 := strings.Repeat("a", 28)
	para2 := strings.Repeat("b", 60)
	doc := testDoc(para1 + "\n\n" + para2)

	chunks, err := chunker.Chunk(doc)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	// 第一块应该在空行后结束，而不是硬切进para2中间
	first := []rune(chunks[0].Text)
	assert.Equal(t, '\n', first[len(first)-1])
	assert.NotContains(t, chunks[0].Text, "bbbbbbbbbbbbbb")
}

// TestChunkerShortDocument 不足一个窗口的文本产生单个分块
func TestChunkerShortDocument(t *testing.T) {
	chunker, err := NewSlidingWindowChunker(ChunkerConfig{ChunkSize: 500, Overlap: 50})
	require.NoError(t, err)

	doc := testDoc("很短的简历文本")
	chunks, err := chunker.Chunk(doc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "很短的简历文本", chunks[0].Text)
	assert.Equal(t, 1, chunks[0].PageStart)
	assert.Equal(t, 1, chunks[0].PageEnd)
}

// TestChunkerEmptyDocument 无文本的文档返回ErrEmptyDocument
func TestChunkerEmptyDocument(t *testing.T) {
	chunker, err := NewSlidingWindowChunker(ChunkerConfig{ChunkSize: 100, Overlap: 10})
	require.NoError(t, err)

	_, err = chunker.Chunk(nil)
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = chunker.Chunk(testDoc("   \n\n  \t "))
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

// TestChunkerPageAttribution 跨页分块的页码区间覆盖来源页
func TestChunkerPageAttribution(t *testing.T) {
	chunker, err := NewSlidingWindowChunker(ChunkerConfig{
		ChunkSize:          30,
		Overlap:            0,
		ParagraphTolerance: 5,
	})
	require.NoError(t, err)

	doc := testDoc(strings.Repeat("x", 25), strings.Repeat("y", 25))
	chunks, err := chunker.Chunk(doc)
	require.NoError(t, err)

	assert.Equal(t, 1, chunks[0].PageStart)
	last := chunks[len(chunks)-1]
	assert.Equal(t, 2, last.PageEnd)
}

// TestChunkerInvalidConfig 非法配置在构造时报错
func TestChunkerInvalidConfig(t *testing.T) {
	_, err := NewSlidingWindowChunker(ChunkerConfig{ChunkSize: 0})
	assert.Error(t, err)

	_, err = NewSlidingWindowChunker(ChunkerConfig{ChunkSize: 100, Overlap: 100})
	assert.Error(t, err)
}

// TestNormalizeText 空白归一化规则
func TestNormalizeText(t *testing.T) {
	in := "第一行  \r\n\r\n\r\n第二行\t\n"
	assert.Equal(t, "第一行\n\n第二行", NormalizeText(in))
}
