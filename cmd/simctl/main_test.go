package main

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/CrisisSimMCP/internal/config"
	"github.com/Corphon/CrisisSimMCP/internal/media"
	"github.com/Corphon/CrisisSimMCP/internal/services"
	"github.com/Corphon/CrisisSimMCP/internal/services/testutil"
	"github.com/Corphon/CrisisSimMCP/internal/storage"
)

func TestCleanupMedia(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalMediaStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	for _, key := range []string{"videos/sim_a_turn_1.mp4", "videos/sim_a_turn_2.mp4", "videos/sim_b_turn_1.mp4", "audio/sim_a_turn_1.mp3"} {
		_, err := store.Upload(ctx, []byte("x"), "application/octet-stream", key)
		require.NoError(t, err)
	}

	var out bytes.Buffer
	n, err := cleanupMedia(ctx, store, "videos/sim_a", true, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))

	n, err = cleanupMedia(ctx, store, "videos/sim_a", false, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"videos/sim_b_turn_1.mp4", "audio/sim_a_turn_1.mp3"}, left)
}

func TestPlayerRun(t *testing.T) {
	store, err := storage.NewFileSessionStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	completer := &testutil.FakeCompleter{Handler: func(model, prompt string) (string, error) {
		if strings.Contains(prompt, "cinematographer") {
			return `{"scenes": ["a", "b", "c", "d"]}`, nil
		}
		return `{"situation_description": "Penguins unionize", "rationale": "r", "user_role": "You are the Mediator.", "user_prompt": "Negotiate?"}`, nil
	}}
	candidates := []string{"primary"}
	svc := services.NewSimulationService(store,
		services.NewScenarioGenerator(completer, candidates),
		services.NewVideoPromptGenerator(completer, candidates),
		services.NewMediaCoordinator(
			&testutil.FakeMediaProvider{Result: media.URLResult("https://cdn.test/v.mp4")},
			&testutil.FakeMediaProvider{Result: media.URLResult("https://cdn.test/a.mp3")},
			nil, services.MediaCoordinatorConfig{}),
		nil,
		services.SimulationOptions{MaxTurns: 2, MediaPathway: config.PathwayPair},
	)
	defer svc.Close()

	var out bytes.Buffer
	p := &player{
		svc: svc,
		in:  bufio.NewReader(strings.NewReader("offer fish\n\n")),
		out: &out,
	}
	require.NoError(t, p.run(context.Background(), "penguins", "", false, 0))

	text := out.String()
	assert.Contains(t, text, "Penguins unionize")
	assert.Contains(t, text, "You are the Mediator.\nNegotiate?")
	assert.Contains(t, text, "=== Turn 2/2 ===")
	assert.Contains(t, text, "simctl play --resume sim_")
	assert.Contains(t, text, "🎬 https://cdn.test/v.mp4")
}
