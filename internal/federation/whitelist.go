// Package federation keeps the synapse federation domain whitelist in
// sync with a centrally published list of known homeservers.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const whitelistKey = "federation_domain_whitelist"

// knownServers is the shape of the published server list document.
type knownServers struct {
	AllServers []string `json:"all_servers"`
}

// Reloader periodically fetches the known-servers document and rewrites
// the synapse config whitelist when it changes. Containers carrying the
// restart label are restarted so synapse picks the change up.
type Reloader struct {
	KnownServersURL string
	ConfigPath      string
	Interval        time.Duration
	RestartLabel    string
	RestartTimeout  time.Duration

	client    *httpclient.Client
	restarter ContainerRestarter
}

func NewReloader(knownServersURL, configPath string, interval time.Duration, restartLabel string, restarter ContainerRestarter) *Reloader {
	backoff := heimdall.NewConstantBackoff(2*time.Second, 500*time.Millisecond)
	return &Reloader{
		KnownServersURL: knownServersURL,
		ConfigPath:      configPath,
		Interval:        interval,
		RestartLabel:    restartLabel,
		RestartTimeout:  30 * time.Second,
		client: httpclient.NewClient(
			httpclient.WithHTTPTimeout(10*time.Second),
			httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
			httpclient.WithRetryCount(3),
		),
		restarter: restarter,
	}
}

// Run loops until the context is cancelled. Errors are logged and
// retried on the next tick; a malformed document is never applied.
func (r *Reloader) Run(ctx context.Context) {
	if err := r.RunOnce(ctx); err != nil {
		logrus.Errorf("Whitelist update failed: %v. Will retry later.", err)
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				logrus.Errorf("Whitelist update failed: %v. Will retry later.", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single fetch/compare/apply cycle.
func (r *Reloader) RunOnce(ctx context.Context) error {
	servers, err := r.fetchKnownServers()
	if err != nil {
		return err
	}

	changed, err := r.applyWhitelist(servers)
	if err != nil {
		return err
	}
	if !changed {
		logrus.Debug("Federation whitelist unchanged")
		return nil
	}

	logrus.Infof("Updated federation whitelist, %d servers", len(servers))
	if r.restarter != nil && r.RestartLabel != "" {
		restarted, err := r.restarter.RestartByLabel(ctx, r.RestartLabel, r.RestartTimeout)
		if err != nil {
			return fmt.Errorf("restarting containers: %v", err)
		}
		logrus.Infof("Restarted %d containers with label %s", restarted, r.RestartLabel)
	}
	return nil
}

func (r *Reloader) fetchKnownServers() ([]string, error) {
	res, err := r.client.Get(r.KnownServersURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching known servers: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching known servers: unexpected status %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading known servers response: %v", err)
	}

	var servers knownServers
	if err := json.Unmarshal(body, &servers); err != nil {
		return nil, fmt.Errorf("decoding known servers response: %v", err)
	}
	if servers.AllServers == nil {
		return nil, fmt.Errorf("known servers response is missing the all_servers key")
	}
	return servers.AllServers, nil
}

// applyWhitelist rewrites federation_domain_whitelist in the synapse
// config, leaving every other key untouched. Returns whether the list
// actually changed.
func (r *Reloader) applyWhitelist(servers []string) (bool, error) {
	data, err := os.ReadFile(r.ConfigPath)
	if err != nil {
		return false, fmt.Errorf("reading synapse config: %v", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return false, fmt.Errorf("parsing synapse config: %v", err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return false, fmt.Errorf("synapse config is not a mapping")
	}
	doc := root.Content[0]

	newList := &yaml.Node{Kind: yaml.SequenceNode}
	for _, server := range servers {
		newList.Content = append(newList.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: server})
	}

	var current []string
	found := false
	for i := 0; i < len(doc.Content); i += 2 {
		if doc.Content[i].Value != whitelistKey {
			continue
		}
		found = true
		if err := doc.Content[i+1].Decode(&current); err != nil {
			return false, fmt.Errorf("decoding current whitelist: %v", err)
		}
		doc.Content[i+1] = newList
		break
	}
	if !found {
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: whitelistKey},
			newList)
	}

	if found && equalStrings(current, servers) {
		return false, nil
	}

	out, err := yaml.Marshal(&root)
	if err != nil {
		return false, fmt.Errorf("serializing synapse config: %v", err)
	}
	if err := os.WriteFile(r.ConfigPath, out, 0644); err != nil {
		return false, fmt.Errorf("writing synapse config: %v", err)
	}
	return true, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
