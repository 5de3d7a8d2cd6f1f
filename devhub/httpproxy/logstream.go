package httpproxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tomyedwab/devhub/devhub/backends"
)

// logPollInterval is how often a live log stream checks for new output.
const logPollInterval = 250 * time.Millisecond

// streamEntry is one output line on the wire.
type streamEntry struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Message   string `json:"message"`
	PID       int    `json:"pid,omitempty"`
}

func (p *Proxy) findBackend(name, version, partition string) *backends.ProxiedBackend {
	if partition == "" {
		partition = p.backends.DefaultPartition()
	}
	for _, b := range p.backends.List() {
		if b.Name == name && b.Version == version && b.Partition == partition {
			return b
		}
	}
	return nil
}

// handleLogStream tails the output of a running backend as server-sent
// events. Entries after ?from=<id> are replayed first. The stream ends with
// an "exit" event when the process exits, or when the client goes away.
func (p *Proxy) handleLogStream(c *gin.Context) {
	backend := p.findBackend(c.Param("name"), c.Param("version"), c.GetHeader(PartitionHeader))
	if backend == nil || backend.Process == nil {
		c.JSON(http.StatusNotFound, gin.H{"exception": "NotFound", "message": "no running backend " + c.Param("name") + "@" + c.Param("version")})
		return
	}
	var lastID int64
	if v := c.Query("from"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"exception": "BadRequest", "message": "invalid from"})
			return
		}
		lastID = id
	}

	proc := backend.Process
	p.logger.Info("Starting log stream", "name", backend.Name, "version", backend.Version, "pid", proc.PID(), "from", lastID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	flush := func() {
		for _, entry := range proc.Output().GetEntriesFromID(lastID) {
			c.SSEvent("log", streamEntry{
				ID:        entry.ID,
				Timestamp: entry.Timestamp.Format(time.RFC3339Nano),
				Source:    entry.Source,
				Message:   entry.Message,
				PID:       entry.PID,
			})
			lastID = entry.ID
		}
		c.Writer.Flush()
	}

	flush()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-proc.Done():
			flush()
			code, _ := proc.Exited()
			c.SSEvent("exit", gin.H{"exitCode": code})
			c.Writer.Flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}
