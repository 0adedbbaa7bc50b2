package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutdated(t *testing.T) {
	tests := []struct {
		name      string
		installed string
		required  string
		want      bool
	}{
		{name: "no requirement", installed: "", required: "", want: false},
		{name: "missing marker", installed: "", required: "1.0.0", want: true},
		{name: "garbage marker", installed: "development", required: "1.0.0", want: true},
		{name: "older", installed: "1.2.0", required: "1.10.0", want: true},
		{name: "equal", installed: "1.10.0", required: "1.10", want: false},
		{name: "newer", installed: "2.0.0", required: "1.10.0", want: false},
		{name: "invalid requirement", installed: "1.0.0", required: "latest", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Outdated(tt.installed, tt.required))
		})
	}
}
