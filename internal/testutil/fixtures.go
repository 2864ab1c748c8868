package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/semtype"
	"github.com/hupe1980/biomesh/tool"
)

// FetchDescriptor describes a tool that downloads a UniProt sequence.
func FetchDescriptor() *tool.Descriptor {
	return &tool.Descriptor{
		Name:           "uniprot.fetch_sequence",
		Category:       "database",
		Description:    "Fetch the amino acid sequence of a UniProt entry as FASTA",
		RequiredParams: []tool.Param{{Name: "uniprot_id", SemanticType: semtype.UniProtID, Description: "UniProt accession"}},
		ReturnValues:   []tool.ReturnValue{{Name: "fasta", SemanticType: semtype.FASTAPath, Description: "downloaded sequence"}},
		AutoConfirm:    true,
	}
}

// FoldDescriptor describes a structure prediction tool.
func FoldDescriptor() *tool.Descriptor {
	return &tool.Descriptor{
		Name:           "esmfold.predict",
		Category:       "structure prediction",
		Description:    "Predict the 3D structure of a protein from its FASTA sequence",
		RequiredParams: []tool.Param{{Name: "fasta", SemanticType: semtype.FASTAPath, Description: "input sequence"}},
		OptionalParams: []tool.Param{{Name: "recycles", SemanticType: semtype.Parameter, Description: "recycling iterations", Default: float64(4)}},
		ReturnValues:   []tool.ReturnValue{{Name: "pdb", SemanticType: semtype.FullStructurePath, Description: "predicted structure"}},
	}
}

// Snapshot builds a registry snapshot from descs, defaulting to the fetch and
// fold fixtures.
func Snapshot(t testing.TB, descs ...*tool.Descriptor) *tool.Snapshot {
	t.Helper()
	return Registry(t, descs...).Snapshot()
}

// Registry builds an in-memory registry from descs, defaulting to the fetch
// and fold fixtures.
func Registry(t testing.TB, descs ...*tool.Descriptor) *tool.Registry {
	t.Helper()
	if len(descs) == 0 {
		descs = []*tool.Descriptor{FetchDescriptor(), FoldDescriptor()}
	}
	reg, err := tool.NewRegistry("")
	require.NoError(t, err)
	for _, d := range descs {
		require.NoError(t, reg.Register(d))
	}
	return reg
}

// WriteScript writes an executable shell script and returns its path.
func WriteScript(t testing.TB, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// WriteDescriptor stores d under <root>/<tool>/<function>.json.
func WriteDescriptor(t testing.TB, root, toolName, function string, d *tool.Descriptor) string {
	t.Helper()
	dir := filepath.Join(root, toolName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.MarshalIndent(d, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, function+".json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// WriteFile creates a file with content in dir and returns its path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// ParserMessage builds a final query parser message.
func ParserMessage(input map[string]map[semtype.Type]any, output ...semtype.Type) core.Message {
	return core.MustMessage(core.SenderQueryParser, core.StatusGenerating, core.ParsedQuery{Input: input, Output: output})
}

// ResultMessage builds a tool_result message.
func ResultMessage(step, toolName string, result string) core.Message {
	return core.MustMessage(core.SenderToolExecutor, core.StatusToolResult, core.ToolResult{
		Step:   step,
		Tool:   toolName,
		Args:   map[string]any{},
		Result: json.RawMessage(result),
	})
}

// Drain collects every message from ch until it is closed.
func Drain(ch <-chan core.Message) []core.Message {
	var out []core.Message
	for m := range ch {
		out = append(out, m)
	}
	return out
}
