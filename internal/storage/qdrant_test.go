package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"job-agent-go/internal/config"
	"job-agent-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQdrant 记录请求的Qdrant测试服务器
type fakeQdrant struct {
	mu sync.Mutex

	collectionSize int
	searchResponse string

	requests map[string][]json.RawMessage // path -> 请求体
}

func newFakeQdrant(collectionSize int) *fakeQdrant {
	return &fakeQdrant{
		collectionSize: collectionSize,
		searchResponse: `{"result": [], "status": "ok", "time": 0.001}`,
		requests:       map[string][]json.RawMessage{},
	}
}

func (f *fakeQdrant) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.Method == http.MethodGet {
			// 集合信息查询
			fmt.Fprintf(w, `{"result":{"config":{"params":{"vectors":{"size":%d,"distance":"Cosine"}}}},"status":"ok"}`, f.collectionSize)
			return
		}

		var body json.RawMessage
		json.NewDecoder(r.Body).Decode(&body)
		key := r.Method + " " + r.URL.Path
		f.requests[key] = append(f.requests[key], body)

		switch {
		case r.URL.Path == "/collections/resume_chunks/points/search":
			w.Write([]byte(f.searchResponse))
		default:
			w.Write([]byte(`{"result":{"status":"acknowledged"},"status":"ok","time":0.001}`))
		}
	})
}

func (f *fakeQdrant) requestBodies(method, path string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[method+" "+path]
}

func newTestQdrant(t *testing.T, fake *fakeQdrant) (*Qdrant, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	q, err := NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "resume_chunks",
		Dimension:  4,
	})
	require.NoError(t, err)
	return q, server
}

func vec(vals ...float64) []float64 {
	out := make([]float64, 4)
	copy(out, vals)
	return out
}

// TestQdrantSearchVersionFilter 检索请求必须带version_id过滤条件
func TestQdrantSearchVersionFilter(t *testing.T) {
	fake := newFakeQdrant(4)
	q, _ := newTestQdrant(t, fake)

	_, err := q.SearchChunks(context.Background(), vec(1), 5, "ver-1")
	require.NoError(t, err)

	bodies := fake.requestBodies(http.MethodPost, "/collections/resume_chunks/points/search")
	require.Len(t, bodies, 1)

	var req struct {
		Limit  int `json:"limit"`
		Filter struct {
			Must []struct {
				Key   string `json:"key"`
				Match struct {
					Value string `json:"value"`
				} `json:"match"`
			} `json:"must"`
		} `json:"filter"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &req))
	assert.Equal(t, 5, req.Limit)
	require.Len(t, req.Filter.Must, 1)
	assert.Equal(t, "version_id", req.Filter.Must[0].Key)
	assert.Equal(t, "ver-1", req.Filter.Must[0].Match.Value)
}

// TestQdrantSearchOrdering 相似度降序，同分按position升序
func TestQdrantSearchOrdering(t *testing.T) {
	fake := newFakeQdrant(4)
	fake.searchResponse = `{"result": [
		{"id": "a", "score": 0.8, "payload": {"chunk_id": "c2", "position": 2, "version_id": "ver-1", "text": "x"}},
		{"id": "b", "score": 0.9, "payload": {"chunk_id": "c0", "position": 0, "version_id": "ver-1", "text": "y"}},
		{"id": "c", "score": 0.8, "payload": {"chunk_id": "c1", "position": 1, "version_id": "ver-1", "text": "z"}}
	], "status": "ok", "time": 0.001}`
	q, _ := newTestQdrant(t, fake)

	retrieved, err := q.SearchChunks(context.Background(), vec(1), 5, "ver-1")
	require.NoError(t, err)
	require.Len(t, retrieved, 3)

	assert.Equal(t, "c0", retrieved[0].Chunk.ChunkID)
	assert.Equal(t, "c1", retrieved[1].Chunk.ChunkID) // 同分0.8按position升序
	assert.Equal(t, "c2", retrieved[2].Chunk.ChunkID)
}

// TestQdrantSearchValidation 空版本与维度不符被拒绝
func TestQdrantSearchValidation(t *testing.T) {
	fake := newFakeQdrant(4)
	q, _ := newTestQdrant(t, fake)

	_, err := q.SearchChunks(context.Background(), vec(1), 5, "")
	assert.Error(t, err)

	_, err = q.SearchChunks(context.Background(), []float64{1, 2}, 5, "ver-1")
	assert.Error(t, err)
}

// TestQdrantUpsertDeterministicIDs 点ID由ChunkID确定性派生，重复写入幂等
func TestQdrantUpsertDeterministicIDs(t *testing.T) {
	fake := newFakeQdrant(4)
	q, _ := newTestQdrant(t, fake)

	chunks := []types.Chunk{
		{ChunkID: "ver-1-0000", VersionID: "ver-1", Position: 0, Text: "片段", Vector: vec(1)},
		{ChunkID: "ver-1-0001", VersionID: "ver-1", Position: 1, Text: "片段2", Vector: vec(0, 1)},
	}

	ids1, err := q.UpsertChunks(context.Background(), chunks)
	require.NoError(t, err)
	ids2, err := q.UpsertChunks(context.Background(), chunks)
	require.NoError(t, err)

	assert.Equal(t, ids1, ids2)
	assert.Equal(t, PointIDForChunk("ver-1-0000"), ids1[0])
	assert.NotEqual(t, ids1[0], ids1[1])

	// 写入带payload的点
	bodies := fake.requestBodies(http.MethodPut, "/collections/resume_chunks/points")
	require.Len(t, bodies, 2)
	var req struct {
		Points []struct {
			ID      string                 `json:"id"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"points"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &req))
	require.Len(t, req.Points, 2)
	assert.Equal(t, "ver-1", req.Points[0].Payload["version_id"])
	assert.Equal(t, "ver-1-0000", req.Points[0].Payload["chunk_id"])
}

// TestQdrantUpsertDimensionMismatch 维度不符的分块被拒绝
func TestQdrantUpsertDimensionMismatch(t *testing.T) {
	fake := newFakeQdrant(4)
	q, _ := newTestQdrant(t, fake)

	_, err := q.UpsertChunks(context.Background(), []types.Chunk{
		{ChunkID: "bad", Vector: []float64{1, 2}},
	})
	assert.Error(t, err)
	assert.Empty(t, fake.requestBodies(http.MethodPut, "/collections/resume_chunks/points"))
}

// TestQdrantDeleteVersionPoints 按version_id过滤删除
func TestQdrantDeleteVersionPoints(t *testing.T) {
	fake := newFakeQdrant(4)
	q, _ := newTestQdrant(t, fake)

	require.NoError(t, q.DeleteVersionPoints(context.Background(), "ver-old"))

	bodies := fake.requestBodies(http.MethodPost, "/collections/resume_chunks/points/delete")
	require.Len(t, bodies, 1)
	assert.Contains(t, string(bodies[0]), `"version_id"`)
	assert.Contains(t, string(bodies[0]), `"ver-old"`)

	assert.Error(t, q.DeleteVersionPoints(context.Background(), ""))
}

// TestQdrantDimensionGuard 已有集合维度与配置不符时拒绝启动
func TestQdrantDimensionGuard(t *testing.T) {
	fake := newFakeQdrant(768) // 集合是768维
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	_, err := NewQdrant(&config.QdrantConfig{
		Endpoint:   server.URL,
		Collection: "resume_chunks",
		Dimension:  4,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "维度")
}

// TestPointIDForChunk 同一ChunkID总是得到同一个UUID
func TestPointIDForChunk(t *testing.T) {
	a := PointIDForChunk("ver-1-0000")
	b := PointIDForChunk("ver-1-0000")
	c := PointIDForChunk("ver-2-0000")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}
