package projections

import (
	"net/http"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/config"
)

// Index names, before the configured prefix
const (
	ReconciliationsIndex = "reconciliations"
	EventsIndex          = "events"
)

// NewElasticsearchClient creates a new Elasticsearch client and checks the connection
func NewElasticsearchClient(cfg config.ElasticConfig) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "error creating Elasticsearch client")
	}

	res, err := client.Info()
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to Elasticsearch")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, errors.Errorf("Elasticsearch returned error: %s", res.String())
	}

	log.Info().Str("url", cfg.URL).Msg("Successfully connected to Elasticsearch")
	return client, nil
}

// EnsureIndices creates the indices the projections write to
func EnsureIndices(client *elasticsearch.Client, cfg config.ElasticConfig) error {
	for _, index := range []string{ReconciliationsIndex, EventsIndex} {
		name := config.FormatIndex(cfg, index)

		exists, err := indexExists(client, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		log.Info().Str("index", name).Msg("Creating index")
		if err := createIndex(client, name); err != nil {
			return err
		}
	}
	return nil
}

func indexExists(client *elasticsearch.Client, index string) (bool, error) {
	res, err := client.Indices.Exists([]string{index})
	if err != nil {
		return false, errors.Wrapf(err, "error checking if index %s exists", index)
	}
	defer res.Body.Close()

	return res.StatusCode == http.StatusOK, nil
}

func createIndex(client *elasticsearch.Client, index string) error {
	res, err := client.Indices.Create(index)
	if err != nil {
		return errors.Wrapf(err, "error creating index %s", index)
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("error creating index %s: %s", index, res.String())
	}
	return nil
}
