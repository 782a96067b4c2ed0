package toolregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Intelligent-Intern/quicpro-async-sub000/codec"
)

func testSchemas(t *testing.T) *codec.Registry {
	t.Helper()
	reg := codec.NewRegistry()
	_, err := reg.DefineSchema("SearchRequest", []codec.FieldDef{
		{Name: "query", Tag: 1, Base: codec.TypeString, Flags: codec.Required},
	})
	require.NoError(t, err)
	_, err = reg.DefineSchema("SearchResponse", []codec.FieldDef{
		{Name: "results", Tag: 1, Base: codec.TypeString, Flags: codec.Repeated},
	})
	require.NoError(t, err)
	return reg
}

func validHandler() Handler {
	return Handler{
		McpTarget: McpTarget{
			Host:    "search.internal",
			Port:    4443,
			Service: "search",
			Method:  "Query",
		},
		InputSchemaName:  "SearchRequest",
		OutputSchemaName: "SearchResponse",
	}
}

func TestRegisterAndLookupRoundTrip(t *testing.T) {
	r := New(testSchemas(t))
	require.NoError(t, r.Register("web_search", validHandler()))

	h, ok := r.Lookup("web_search")
	require.True(t, ok)
	assert.Equal(t, "search", h.McpTarget.Service)
	assert.Equal(t, "Query", h.McpTarget.Method)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := New(testSchemas(t))
	require.NoError(t, r.Register("web_search", validHandler()))

	err := r.Register("web_search", validHandler())
	require.Error(t, err)
}

func TestRegisterRejectsMalformedTarget(t *testing.T) {
	r := New(testSchemas(t))
	h := validHandler()
	h.McpTarget.Port = 0

	err := r.Register("web_search", h)
	require.Error(t, err)
}

func TestRegisterRejectsUndefinedSchema(t *testing.T) {
	r := New(testSchemas(t))
	h := validHandler()
	h.InputSchemaName = "NoSuchRequest"

	err := r.Register("web_search", h)
	require.Error(t, err)
}

func TestRegisterValidatesRagTargetAndSchemas(t *testing.T) {
	schemas := testSchemas(t)
	_, err := schemas.DefineSchema("RagRequest", []codec.FieldDef{
		{Name: "topics", Tag: 1, Base: codec.TypeString, Flags: codec.Repeated},
	})
	require.NoError(t, err)
	_, err = schemas.DefineSchema("RagResponse", []codec.FieldDef{
		{Name: "context", Tag: 1, Base: codec.TypeString, Flags: codec.Optional},
	})
	require.NoError(t, err)

	r := New(schemas)
	h := validHandler()
	h.Rag = &RagConfig{
		RagTarget: McpTarget{
			Host:    "rag.internal",
			Port:    4444,
			Service: "rag",
			Method:  "Context",
		},
		EnabledParam:        "use_rag",
		RequestSchema:       "RagRequest",
		ResponseSchema:      "RagResponse",
		ContextOutputField:  "context",
		TargetContextField:  "context",
		TopicsSource:        "query",
	}
	require.NoError(t, r.Register("web_search", h))

	h.Rag.RequestSchema = "NoSuchRequest"
	err = r.Register("other_tool", h)
	require.Error(t, err)
}

func TestLookupMissReturnsFalse(t *testing.T) {
	r := New(testSchemas(t))
	_, ok := r.Lookup("missing")
	assert.False(t, ok)
}
