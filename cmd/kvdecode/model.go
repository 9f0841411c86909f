package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/kvdecode/internal/blobstore"
	"github.com/samcharles93/kvdecode/internal/inference"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/logits"
)

// resolveModelDir accepts either a path to a model directory or the name of
// one under the models directory.
func resolveModelDir(model, root string) (blobstore.Dir, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("--model is required")
	}
	if strings.ContainsAny(model, `/\`) || root == "" {
		st, err := os.Stat(model)
		if err != nil {
			return "", err
		}
		if !st.IsDir() {
			return "", errors.New("model path is not a directory: " + model)
		}
		return blobstore.Dir(filepath.Clean(model)), nil
	}
	return blobstore.Resolve(root, model)
}

func newSampler(seed int64) *logits.Sampler {
	if seed == 0 {
		return logits.Default()
	}
	return logits.NewSampler(seed)
}

func newService(log logger.Logger, cacheEnabled bool, rejectBusy bool, seed int64) *inference.Service {
	return inference.NewService(inference.NewStore(inference.Options{
		MaxContext:   int(maxContext),
		CacheEnabled: cacheEnabled,
		RejectBusy:   rejectBusy,
		Sampler:      newSampler(seed),
		Logger:       log,
	}))
}
