package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/viper"

	"github.com/franz/dedup-janitor/internal/score"
	"github.com/franz/dedup-janitor/internal/util"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), 1},
		{fmt.Errorf("plan: %w", util.ErrInvalidConfig), 2},
		{util.WrapKind(util.ErrIntegrity, "undo op-1", errors.New("occupied")), 3},
		{fmt.Errorf("commit: %w", util.ErrBackupVerificationFailed), 3},
		{fmt.Errorf("begin: %w", util.ErrTransactionBusy), 4},
		{util.WrapKind(util.ErrStaleRedo, "redo op-1", errors.New("changed")), 5},
		{fmt.Errorf("append: %w", util.ErrClosedTransaction), 5},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestScoreWeightsFromConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setDefaults()

	w, err := scoreWeights()
	if err != nil {
		t.Fatalf("scoreWeights: %v", err)
	}
	if w != score.DefaultWeights() {
		t.Errorf("defaults not applied: %+v", w)
	}

	viper.Set("score.weights.resolution", 9.5)
	w, err = scoreWeights()
	if err != nil {
		t.Fatalf("scoreWeights: %v", err)
	}
	if w.Resolution != 9.5 || w.Size != score.DefaultWeights().Size {
		t.Errorf("override not applied: %+v", w)
	}
}

func TestGetConfigFallbacks(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	if got := GetConfigString("plan", "dlc-plan.yaml"); got != "dlc-plan.yaml" {
		t.Errorf("GetConfigString = %q", got)
	}
	viper.Set("concurrency", -3)
	if got := GetConfigInt("concurrency", 8); got != 8 {
		t.Errorf("GetConfigInt = %d, want fallback 8", got)
	}
}
