package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneFields(t *testing.T) {
	tests := []struct {
		name string
		src  map[string]interface{}
		want int
	}{
		{"nil source", nil, 0},
		{"empty source", map[string]interface{}{}, 0},
		{"populated source", map[string]interface{}{"a": 1, "b": "two"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := cloneFields(tt.src)
			assert.NotNil(t, dst)
			assert.Len(t, dst, tt.want)
			for k, v := range tt.src {
				assert.Equal(t, v, dst[k])
			}
		})
	}
}

func TestCloneFieldsIsIndependent(t *testing.T) {
	src := map[string]interface{}{"tenant": "acme"}
	dst := cloneFields(src)

	dst["tenant"] = "other"
	dst["added"] = true

	assert.Equal(t, "acme", src["tenant"])
	assert.NotContains(t, src, "added")
}
