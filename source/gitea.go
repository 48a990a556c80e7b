package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"path"
	"strings"

	"code.gitea.io/sdk/gitea"
	"github.com/sirupsen/logrus"

	"weave.evalgo.org/entity"
)

// GiteaSource syncs the file tree of one Gitea repository branch as file
// entities. Blob SHAs are the content witness, so unchanged files are kept
// by the ledger without re-reading their contents.
//
// Settings: "owner", "repo" (required), "branch" (default "main"),
// "path_prefix" (only files under it are emitted). Auth: URL, Token.
type GiteaSource struct {
	client *gitea.Client
	log    *logrus.Logger
	name   string
	owner  string
	repo   string
	branch string
	prefix string
}

// NewGiteaSource builds the connector and its API client.
func NewGiteaSource(cfg Config, auth Auth, log *logrus.Logger) (*GiteaSource, error) {
	owner, _ := cfg.Settings["owner"].(string)
	repo, _ := cfg.Settings["repo"].(string)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: gitea source requires settings.owner and settings.repo", entity.ErrInvalidConfig)
	}
	branch, _ := cfg.Settings["branch"].(string)
	if branch == "" {
		branch = "main"
	}
	prefix, _ := cfg.Settings["path_prefix"].(string)

	client, err := gitea.NewClient(auth.URL, gitea.SetToken(auth.Token))
	if err != nil {
		return nil, entity.Wrap(entity.ErrInvalidConfig, err)
	}

	return &GiteaSource{
		client: client,
		log:    log,
		name:   cfg.Name,
		owner:  owner,
		repo:   repo,
		branch: branch,
		prefix: prefix,
	}, nil
}

func (g *GiteaSource) Name() string             { return "gitea" }
func (g *GiteaSource) SupportsContinuous() bool { return false }

func (g *GiteaSource) Kinds() []entity.KindSpec {
	return []entity.KindSpec{
		{Name: entity.KindFile, ContentFields: []string{"path", "sha"}},
	}
}

// Validate checks the token and repository visibility.
func (g *GiteaSource) Validate(ctx context.Context) error {
	if _, resp, err := g.client.GetMyUserInfo(); err != nil {
		return classifyGiteaError(resp, err)
	}
	if _, resp, err := g.client.GetRepo(g.owner, g.repo); err != nil {
		return classifyGiteaError(resp, err)
	}
	return nil
}

// Produce walks the branch tree and emits one file entity per blob. The
// cursor is the last emitted path; a resumed run skips paths up to and
// including it. Tree listings are ordered, so the skip is stable.
func (g *GiteaSource) Produce(ctx context.Context, cursor string, emit Emit) (string, error) {
	tree, resp, err := g.client.GetTrees(g.owner, g.repo, gitea.ListTreeOptions{Ref: g.branch, Recursive: true})
	if err != nil {
		return cursor, classifyGiteaError(resp, err)
	}
	if tree.Truncated {
		g.log.WithFields(logrus.Fields{"owner": g.owner, "repo": g.repo}).
			Warn("tree listing truncated by server; sync will be partial")
	}

	last := cursor
	skipping := cursor != ""
	for _, node := range tree.Entries {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		default:
		}
		if node.Type != "blob" {
			continue
		}
		if g.prefix != "" && !strings.HasPrefix(node.Path, g.prefix) {
			continue
		}
		if skipping {
			if node.Path == cursor {
				skipping = false
			}
			continue
		}

		e, err := g.fileEntity(node.Path, node.SHA)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, err
		}
		if err := emit(ctx, e); err != nil {
			return last, err
		}
		last = node.Path
	}
	return "", nil
}

func (g *GiteaSource) fileEntity(filePath, sha string) (entity.Entity, error) {
	contents, resp, err := g.client.GetContents(g.owner, g.repo, g.branch, filePath)
	if err != nil {
		return entity.Entity{}, classifyGiteaError(resp, err)
	}
	var text string
	if contents.Content != nil {
		decoded, err := base64.StdEncoding.DecodeString(*contents.Content)
		if err == nil {
			text = string(decoded)
		}
	}

	id := fmt.Sprintf("%s/%s@%s:%s", g.owner, g.repo, g.branch, filePath)
	e := entity.Entity{
		EntityID: id,
		Kind:     entity.KindFile,
		Payload: map[string]interface{}{
			"path":    filePath,
			"sha":     sha,
			"content": text,
		},
		EmbeddableText: text,
		Breadcrumbs: []entity.Breadcrumb{
			{ID: g.owner + "/" + g.repo, Name: g.repo, Kind: "repository"},
			{ID: id, Name: path.Base(filePath), Kind: entity.KindFile},
		},
	}
	stamp(&e, g.name)
	return e, nil
}

func classifyGiteaError(resp *gitea.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return entity.Wrap(entity.ErrSourceAuth, err)
		case http.StatusNotFound:
			return entity.Wrap(entity.ErrSourceFatal, err)
		}
	}
	return entity.Wrap(entity.ErrSourceTransient, err)
}
