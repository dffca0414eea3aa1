package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/anonimiza/internal/glossary"
)

// execute runs the CLI with args and stdin, returning stdout and stderr.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	resetFlags()
	var out, errOut bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

// resetFlags restores command flag variables between runs of the shared
// command tree.
func resetFlags() {
	anonProject, anonDocumentID, anonDocumentType = "default", "", ""
	anonOutput, anonFormat, anonNoSave = "", "text", false
	detectFormat, gateFormat = "text", "text"
	glossProject, glossOutput, glossFormat = "default", "", "text"
	shiftProject = "default"
}

func useDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ANONIMIZA_DATA_DIR", dir)
	return dir
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	expected := []string{"anonymize", "detect", "check-id", "gate", "shift-date", "glossary", "config", "serve", "version"}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestRootCommand_HelpOutput(t *testing.T) {
	out, _, err := execute(t, "", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Spanish court rulings")
	assert.Contains(t, out, "anonymize")
	assert.Contains(t, out, "glossary")
}

func TestVersionVars_HaveDefaults(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "none", Commit)
	assert.Equal(t, "unknown", BuildDate)
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	for _, name := range []string{"config", "verbose", "log-level", "log-format", "otel", "data-dir"} {
		t.Run(name, func(t *testing.T) {
			assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "flag %q should be registered", name)
		})
	}
}

func TestRootCommand_UseAndShort(t *testing.T) {
	assert.Equal(t, "anonimiza", rootCmd.Use)
	assert.Equal(t, "PII anonymization for Spanish legal documents", rootCmd.Short)
}

func TestPackageLevelTracer_IsNotNil(t *testing.T) {
	assert.NotNil(t, tracer, "package-level tracer should be initialized")
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Anonimiza dev")
	assert.Contains(t, out, "Vocabulary: v")
}

func TestCheckID(t *testing.T) {
	out, _, err := execute(t, "", "check-id", "dni", "12.345.678-z")
	require.NoError(t, err)
	assert.Equal(t, "12345678Z: valid\n", out)

	out, _, err = execute(t, "", "check-id", "dni", "12345678A")
	require.Error(t, err)
	assert.Contains(t, out, "INVALID")

	_, _, err = execute(t, "", "check-id", "passport", "X")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown identifier type")
}

func TestAnonymizeAndGlossaryPersist(t *testing.T) {
	dir := useDataDir(t)

	out, _, err := execute(t, "El demandante D. Juan Pérez, con DNI 12345678Z, firmó el contrato.",
		"anonymize", "--project", "caso-1", "--document-id", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "El demandante D. PERSONA_1, con DNI DNI_1, firmó el contrato.", out)

	// A second invocation reloads the glossary from the store.
	out, _, err = execute(t, "Don Juan Pérez comparece junto a Doña Ana Gil.",
		"anonymize", "--project", "caso-1", "--document-id", "doc-2")
	require.NoError(t, err)
	assert.Equal(t, "Don PERSONA_1 comparece junto a Doña PERSONA_2.", out)

	out, _, err = execute(t, "", "glossary", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "caso-1")

	out, _, err = execute(t, "", "glossary", "show", "--project", "caso-1")
	require.NoError(t, err)
	assert.Contains(t, out, "PERSONA_1")
	assert.Contains(t, out, "DNI_1")

	exported := filepath.Join(dir, "caso-1.json")
	_, _, err = execute(t, "", "glossary", "export", "--project", "caso-1", "-o", exported)
	require.NoError(t, err)
	data, err := os.ReadFile(exported)
	require.NoError(t, err)
	snap, err := glossary.DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Len(t, snap.Mappings, 3)

	// Importing into a fresh project carries the aliases over.
	_, _, err = execute(t, "", "glossary", "import", exported, "--project", "caso-2")
	require.NoError(t, err)
	out, _, err = execute(t, "Comparece Doña Ana Gil.", "anonymize", "--project", "caso-2")
	require.NoError(t, err)
	assert.Equal(t, "Comparece Doña PERSONA_2.", out)
}

func TestAnonymizeNoSave(t *testing.T) {
	useDataDir(t)
	_, _, err := execute(t, "D. Juan Pérez", "anonymize", "--project", "tmp", "--no-save")
	require.NoError(t, err)

	out, _, err := execute(t, "", "glossary", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No glossaries stored.")
}

func TestAnonymizeJSON(t *testing.T) {
	useDataDir(t)
	out, _, err := execute(t, "El demandante D. Juan Pérez, con DNI 12345678Z, firmó el 28 de octubre de 2025.",
		"anonymize", "--format", "json", "--document-type", "sentencia")
	require.NoError(t, err)
	assert.Contains(t, out, `"project_id": "default"`)
	assert.Contains(t, out, `"can_export": true`)
	assert.Contains(t, out, `"kind": "shifted_date"`)
}

func TestGlossarySetAliasAndRemove(t *testing.T) {
	useDataDir(t)
	_, _, err := execute(t, "D. Juan Pérez y la empresa.", "anonymize", "--project", "p")
	require.NoError(t, err)

	out, _, err := execute(t, "", "glossary", "set-alias", "PERSON", "Juan Pérez", "EL_DEMANDANTE", "--project", "p")
	require.NoError(t, err)
	assert.Contains(t, out, "EL_DEMANDANTE")

	out, _, err = execute(t, "Firma D. Juan Pérez.", "anonymize", "--project", "p")
	require.NoError(t, err)
	assert.Equal(t, "Firma D. EL_DEMANDANTE.", out)

	_, _, err = execute(t, "", "glossary", "remove", "PERSON", "Juan Pérez", "--project", "p")
	require.NoError(t, err)
	out, _, err = execute(t, "Firma D. Juan Pérez.", "anonymize", "--project", "p")
	require.NoError(t, err)
	assert.Equal(t, "Firma D. PERSONA_2.", out)

	_, _, err = execute(t, "", "glossary", "remove", "NOPE", "x", "--project", "p")
	assert.Error(t, err)
}

func TestGateCommand(t *testing.T) {
	useDataDir(t)
	out, _, err := execute(t,
		`{"document_type":"sentencia","total_entities":3,"reviewed_entities":3,"entity_counts":{"PERSON":2,"DATE":1}}`,
		"gate")
	require.NoError(t, err)
	assert.Contains(t, out, "Export allowed.")

	out, _, err = execute(t,
		`{"document_type":"sentencia","total_entities":3,"reviewed_entities":1,"pending_high_risk":2}`,
		"gate")
	require.ErrorIs(t, err, errExportBlocked)
	assert.Contains(t, out, "FAIL critical safety_latch")

	_, _, err = execute(t, `not json`, "gate")
	assert.Error(t, err)
}

func TestDetectCommand(t *testing.T) {
	useDataDir(t)
	out, _, err := execute(t, "Correo: ana@example.com", "detect")
	require.NoError(t, err)
	assert.Contains(t, out, "EMAIL")
	assert.Contains(t, out, "ana@example.com")

	out, _, err = execute(t, "Nada que ver aquí.", "detect")
	require.NoError(t, err)
	assert.Contains(t, out, "No personal data found.")
}

func TestShiftDateCommand(t *testing.T) {
	useDataDir(t)
	out, _, err := execute(t, "", "shift-date", "--project", "caso-1", "28/10/2025")
	require.NoError(t, err)
	assert.Contains(t, out, "28/10/2025 -> ")
	assert.Contains(t, out, "exact mode")

	_, _, err = execute(t, "", "shift-date", "ayer")
	assert.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	dir := useDataDir(t)
	out, _, err := execute(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "data_dir: "+dir)
	assert.Contains(t, out, "date_shift_mode: exact")
}

func TestConfigShow_HidesAPIKeys(t *testing.T) {
	useDataDir(t)
	t.Setenv("ANONIMIZA_API_KEYS", "s3cret-key:ci")
	out, _, err := execute(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "api_key_count: 1")
	assert.Contains(t, out, "listen_addr: 127.0.0.1:8085")
	assert.NotContains(t, out, "s3cret-key")
}

func TestServeCommand_Flags(t *testing.T) {
	f := serveCmd.Flags().Lookup("addr")
	require.NotNil(t, f)
	assert.Equal(t, "", f.DefValue)
}
