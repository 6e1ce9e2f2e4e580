package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helixir/research-tracker/internal/domain"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"general", errors.New("boom"), ExitError},
		{"invalid argument", domain.NewValidationError("keywords", "at least one keyword is required"), ExitError},
		{"config", &configError{err: errors.New("bad port")}, ExitConfigError},
		{"wrapped config", fmt.Errorf("load: %w", &configError{err: errors.New("bad port")}), ExitConfigError},
		{"store unavailable", domain.NewStoreUnavailableError("postgres", errors.New("connection refused")), ExitStoreUnavailable},
		{"wrapped store unavailable", fmt.Errorf("intake aborted: %w", domain.NewStoreUnavailableError("sqlite", errors.New("disk I/O error"))), ExitStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}
