package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"updatebot/internal/domain"
)

type captureSender struct {
	sent []Message
	fail bool
}

func (c *captureSender) Send(_ context.Context, msg Message) error {
	c.sent = append(c.sent, msg)
	if c.fail {
		return errors.New("relay down")
	}
	return nil
}

func sampleTree() Tree {
	root := domain.NewDeployment("M1 <mooring>")
	root.ID = "root"
	root.Extent.Start = domain.Time(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	root.Extent.End = domain.Time(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	child := domain.NewDeployment("CTD")
	child.ID = "ctd"
	grand := domain.NewDeployment("pump")
	grand.ContactEmail = "pi@example.org"
	src := domain.NewArtifact("ctd.dat", "http://example.org/ctd.dat", domain.ArtifactFile)
	src.ID = "src"
	return Tree{
		Node: root,
		Children: []Tree{{
			Node:     child,
			Outputs:  []domain.ArtifactRef{src},
			Derived:  map[string][]domain.ArtifactRef{"src": {{Name: "ctd.nc", URI: "http://derived/ctd.nc"}}},
			Children: []Tree{{Node: grand}},
		}},
	}
}

func TestFindContactWalksDepthFirst(t *testing.T) {
	tree := sampleTree()
	assert.Equal(t, "pi@example.org", FindContact(tree))
	tree.Children[0].Children[0].Node.ContactEmail = ""
	assert.Equal(t, "", FindContact(tree))
}

func TestRenderHTML(t *testing.T) {
	body := RenderHTML(sampleTree(), "crawl <log>")
	assert.Contains(t, body, "M1 &lt;mooring&gt;")
	assert.Contains(t, body, "2024-01-01T00:00:00Z to 2024-02-01T00:00:00Z")
	assert.Contains(t, body, "ctd.nc")
	assert.Contains(t, body, "crawl &lt;log&gt;")
	assert.Contains(t, body, "<table")
}

func TestNotifyRecipients(t *testing.T) {
	s := &captureSender{}
	n := Notifier{Sender: s, Admin: "admin@example.org", SendAdmin: true, SendUser: true}
	require.NoError(t, n.Notify(context.Background(), sampleTree(), ""))
	require.Len(t, s.sent, 2)
	assert.Equal(t, "admin@example.org", s.sent[0].To)
	assert.Equal(t, "pi@example.org", s.sent[1].To)
	assert.True(t, strings.HasPrefix(s.sent[1].Subject, "UpdateBot Notification - deployment"))
}

func TestNotifyFallsBackToAdmin(t *testing.T) {
	s := &captureSender{}
	tree := sampleTree()
	tree.Children[0].Children[0].Node.ContactEmail = ""
	n := Notifier{Sender: s, Admin: "admin@example.org", SendUser: true}
	require.NoError(t, n.Notify(context.Background(), tree, ""))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "No user email found", s.sent[0].Subject)
}

func TestNotifyReportsFailures(t *testing.T) {
	s := &captureSender{fail: true}
	n := Notifier{Sender: s, Admin: "admin@example.org", SendAdmin: true}
	err := n.Notify(context.Background(), sampleTree(), "")
	require.ErrorContains(t, err, "relay down")
}

func TestComposeRejectsHeaderInjection(t *testing.T) {
	s := SMTPSender{Host: "localhost", From: "bot@example.org"}
	err := s.Send(context.Background(), Message{To: "a@example.org\r\nBcc: x@example.org"})
	require.Error(t, err)

	raw := string(s.compose(Message{To: "a@example.org", Subject: "hi", Body: "line1\nline2", HTML: true}))
	assert.Contains(t, raw, "Content-Type: text/html")
	assert.Contains(t, raw, "line1\r\nline2")
}
