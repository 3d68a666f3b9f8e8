package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Zethrus/starboarder/starboarder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupInitTest(t *testing.T, dbType string, dbFile string, secrets ...string) (*bytes.Buffer, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), dbFile)

	t.Setenv("SB_DATABASE_TYPE", dbType)
	t.Setenv("SB_DATABASE", dbPath)

	secretIndex := 0
	customPasswordReader = func() ([]byte, error) {
		if secretIndex >= len(secrets) {
			return nil, errors.New("no more input")
		}
		secret := secrets[secretIndex]
		secretIndex++
		return []byte(secret), nil
	}

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			customPasswordReader = nil
			resetToken = false
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	return &out, dbPath
}

func loadInitDocument(t *testing.T, dbType string, dbPath string) *starboarder.Document {
	t.Helper()
	c := starboarder.DefaultConfig()
	c.DatabaseType = dbType
	c.Database = dbPath
	store, err := starboarder.NewStore(context.Background(), c, nil)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = store.Close()
		},
	)
	doc, err := store.Load(context.Background())
	require.NoError(t, err)
	return doc
}

func TestInitCommand(t *testing.T) {
	out, dbPath := setupInitTest(t, "json", "db.json", "testtoken", "testtoken")

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "store file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Admin token is not set. Let's set it up.")
	assert.Contains(t, output, "Enter admin token")
	assert.Contains(t, output, "Confirm admin token:")
	assert.Contains(t, output, "Admin token set successfully")
	assert.Contains(t, output, "Initialization complete")

	doc := loadInitDocument(t, "json", dbPath)
	assert.NotEmpty(t, doc.AdminTokenHash)
	assert.NotContains(t, doc.AdminTokenHash, "testtoken")
	assert.Contains(t, doc.AdminTokenHash, "$argon2id$")
}

func TestInitCommand_GeneratesToken(t *testing.T) {
	out, dbPath := setupInitTest(t, "bolt", "db.bolt", "")

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	assert.Contains(t, output, "Generated admin token: ")
	assert.NotContains(t, output, "Confirm admin token:")

	doc := loadInitDocument(t, "bolt", dbPath)
	assert.NotEmpty(t, doc.AdminTokenHash)
}

func TestInitCommand_MismatchRetries(t *testing.T) {
	out, _ := setupInitTest(t, "json", "db.json", "first", "second", "third", "third")

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	assert.Contains(t, output, "Tokens do not match. Please try again.")
	assert.Contains(t, output, "Admin token set successfully")
}

func TestInitCommand_AlreadySet(t *testing.T) {
	out, dbPath := setupInitTest(t, "json", "db.json", "testtoken", "testtoken")

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	first := loadInitDocument(t, "json", dbPath).AdminTokenHash

	out.Reset()
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Admin token is already set.")
	assert.Equal(t, first, loadInitDocument(t, "json", dbPath).AdminTokenHash)
}
