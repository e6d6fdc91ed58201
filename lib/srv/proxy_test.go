package srv

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis/api/types"
	"github.com/pawelmojski/portcullis/lib/policy"
	"github.com/pawelmojski/portcullis/lib/store"
)

func testHostKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

type noopDialer struct{}

func (noopDialer) Dial(ctx context.Context, addr, login string) (*ssh.Client, error) {
	return nil, nil
}

func (noopDialer) DialWithPassword(ctx context.Context, addr, login, password string) (*ssh.Client, error) {
	return nil, nil
}

func mustEngine(t *testing.T) *policy.Engine {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	e, err := policy.New(policy.Config{Store: s})
	require.NoError(t, err)
	return e
}

func TestConfigRejectsMissingFields(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestNewRequiresBackendDialer(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	signer, err := ssh.NewSignerFromKey(testHostKey(t))
	require.NoError(t, err)

	_, err = New(Config{
		HostSigner:   signer,
		PolicyEngine: mustEngine(t),
		Store:        s,
		RecordingDir: t.TempDir(),
	})
	require.Error(t, err, "expected error without a BackendDialer")

	p, err := New(Config{
		HostSigner:    signer,
		PolicyEngine:  mustEngine(t),
		Store:         s,
		BackendDialer: noopDialer{},
		RecordingDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NotNil(t, p)
}

func execRequest(t *testing.T, command string) *ssh.Request {
	t.Helper()
	payload := struct{ Command string }{Command: command}
	return &ssh.Request{Type: "exec", Payload: ssh.Marshal(&payload)}
}

func TestClassifyTransferSCPUploadParsesPath(t *testing.T) {
	xfer := classifyTransfer(execRequest(t, "scp -t /home/alice/file.txt"))
	require.NotNil(t, xfer)
	require.Equal(t, types.TransferSCPUpload, xfer.kind)
	require.Equal(t, "/home/alice/file.txt", xfer.path)
}

func TestClassifyTransferSCPDownloadParsesPath(t *testing.T) {
	xfer := classifyTransfer(execRequest(t, "scp -f /var/log/app.log"))
	require.NotNil(t, xfer)
	require.Equal(t, types.TransferSCPDownload, xfer.kind)
	require.Equal(t, "/var/log/app.log", xfer.path)
}

func TestClassifyTransferSFTPSubsystem(t *testing.T) {
	payload := struct{ Subsystem string }{Subsystem: "sftp"}
	req := &ssh.Request{Type: "subsystem", Payload: ssh.Marshal(&payload)}

	xfer := classifyTransfer(req)
	require.NotNil(t, xfer)
	require.Equal(t, types.TransferSFTPSession, xfer.kind)
	require.Empty(t, xfer.path)
}

func TestClassifyTransferPlainExecIsNotClassified(t *testing.T) {
	require.Nil(t, classifyTransfer(execRequest(t, "ls -la")))
}

func TestClassifyTransferPlainShellIsNotClassified(t *testing.T) {
	req := &ssh.Request{Type: "shell"}
	require.Nil(t, classifyTransfer(req))
}
