package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Brownie44l1/cellclass-api/internal/config"
	ort "github.com/yalue/onnxruntime_go"
)

// Artifacts is everything loaded from disk at startup. It is read-only
// once LoadArtifacts returns and is shared by all requests.
type Artifacts struct {
	Extractor        *Extractor
	SingletAggregate *Stage
	LiveDead         *Stage
}

func LoadMetadata(path string) (Metadata, error) {
	var metadata Metadata
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := metadata.validate(); err != nil {
		return metadata, err
	}
	return metadata, nil
}

// LoadArtifacts initializes onnxruntime and loads the extractor and the
// classifier stages. On error nothing is left allocated.
func LoadArtifacts(cfg config.Models) (*Artifacts, error) {
	metadata, err := LoadMetadata(cfg.ExtractorMetadata)
	if err != nil {
		return nil, err
	}
	featureSize, err := featureDepth(metadata.OutputShape, metadata.Layout)
	if err != nil {
		return nil, err
	}

	// Stages are plain files; load them before touching the native runtime.
	liveDead, err := NewLiveDeadStage(cfg.LiveDead, featureSize)
	if err != nil {
		return nil, err
	}
	var singlet *Stage
	if cfg.SingletAggregate != "" {
		if singlet, err = NewSingletAggregateStage(cfg.SingletAggregate, featureSize); err != nil {
			return nil, err
		}
	}

	if cfg.OrtLibrary != "" {
		ort.SetSharedLibraryPath(cfg.OrtLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	extractor, err := NewExtractor(cfg.ExtractorModel, metadata)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}

	return &Artifacts{
		Extractor:        extractor,
		SingletAggregate: singlet,
		LiveDead:         liveDead,
	}, nil
}

func (a *Artifacts) Close() {
	if a.Extractor != nil {
		a.Extractor.Close()
	}
	ort.DestroyEnvironment()
}
