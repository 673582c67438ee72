// Package pool recycles data-plane request structs across requests.
// Every Get has a matching Put in the handler that decoded the body;
// nothing downstream retains the struct past the handler's return.
package pool

import (
	"sync"

	"github.com/doublewordai/waycast/pkg/types"
)

var (
	chatPool = sync.Pool{
		New: func() any { return new(types.ChatRequest) },
	}
	completionPool = sync.Pool{
		New: func() any { return new(types.CompletionRequest) },
	}
	embeddingPool = sync.Pool{
		New: func() any { return new(types.EmbeddingRequest) },
	}
	rerankPool = sync.Pool{
		New: func() any { return new(types.RerankRequest) },
	}
)

// GetChatRequest returns a cleared ChatRequest.
func GetChatRequest() *types.ChatRequest {
	return chatPool.Get().(*types.ChatRequest)
}

// PutChatRequest resets req and returns it to the pool.
func PutChatRequest(req *types.ChatRequest) {
	req.Reset()
	chatPool.Put(req)
}

// GetCompletionRequest returns a cleared CompletionRequest.
func GetCompletionRequest() *types.CompletionRequest {
	return completionPool.Get().(*types.CompletionRequest)
}

// PutCompletionRequest resets req and returns it to the pool.
func PutCompletionRequest(req *types.CompletionRequest) {
	req.Reset()
	completionPool.Put(req)
}

// GetEmbeddingRequest returns a cleared EmbeddingRequest.
func GetEmbeddingRequest() *types.EmbeddingRequest {
	return embeddingPool.Get().(*types.EmbeddingRequest)
}

// PutEmbeddingRequest resets req and returns it to the pool.
func PutEmbeddingRequest(req *types.EmbeddingRequest) {
	req.Reset()
	embeddingPool.Put(req)
}

// GetRerankRequest returns a cleared RerankRequest.
func GetRerankRequest() *types.RerankRequest {
	return rerankPool.Get().(*types.RerankRequest)
}

// PutRerankRequest resets req and returns it to the pool.
func PutRerankRequest(req *types.RerankRequest) {
	req.Reset()
	rerankPool.Put(req)
}
