package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyland-inc/drumline/pkg/knowledge"
	"github.com/tinyland-inc/drumline/pkg/pipeline"
)

// KnowledgeLookup consults the song catalog when the message asks about
// a song. Unavailable is transient so the retry budget and fallback
// policy apply; NotFound is a successful answer.
type KnowledgeLookup struct {
	catalog knowledge.Lookup
}

func NewKnowledgeLookup(catalog knowledge.Lookup) *KnowledgeLookup {
	return &KnowledgeLookup{catalog: catalog}
}

func (k *KnowledgeLookup) Name() string { return "knowledge_lookup" }

func (k *KnowledgeLookup) Execute(ctx context.Context, run *pipeline.Run, data pipeline.Context) pipeline.Outcome {
	parsed, ok := pipeline.Decode[Parsed](data, KeyParsed)
	if !ok {
		return pipeline.Fatal(fmt.Errorf("run %s has no parsed message", run.ID))
	}
	if parsed.SongQuery == "" {
		return pipeline.Success(pipeline.Context{KeySong: nil})
	}

	song, result := k.catalog.Query(ctx, parsed.SongQuery)
	switch result {
	case knowledge.Found:
		return pipeline.Success(pipeline.Context{KeySong: song})
	case knowledge.NotFound:
		return pipeline.Success(pipeline.Context{KeySong: nil, "song_not_found": parsed.SongQuery})
	case knowledge.Unavailable:
		return pipeline.Transient(errors.New("song catalog unavailable"))
	default:
		return pipeline.Fatal(fmt.Errorf("unexpected lookup result %v", result))
	}
}
