package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// SessionFactory builds per-caller DynamoDB clients. Each client carries
// credentials assumed from a shared access role with an inline session policy
// that pins dynamodb:LeadingKeys to the caller's user id, so a request can
// only ever touch its own partition. Clients are short-lived capability
// values, built once per request and discarded.
type SessionFactory struct {
	cfg      aws.Config
	sts      stscreds.AssumeRoleAPIClient
	roleARN  string
	tableARN string
}

func NewSessionFactory(cfg aws.Config, roleARN, tableARN string) (*SessionFactory, error) {
	if strings.TrimSpace(roleARN) == "" {
		return nil, errors.New("repository: access role ARN must not be empty")
	}
	if strings.TrimSpace(tableARN) == "" {
		return nil, errors.New("repository: table ARN must not be empty")
	}
	return &SessionFactory{
		cfg:      cfg,
		sts:      sts.NewFromConfig(cfg),
		roleARN:  roleARN,
		tableARN: tableARN,
	}, nil
}

// ClientFor returns a DynamoDB client authorized as userID. Credentials are
// resolved lazily, so an assume-role failure surfaces on the first table
// call, not here.
func (f *SessionFactory) ClientFor(userID string) (*dynamodb.Client, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: user id must not be empty")
	}
	policy, err := partitionScopedPolicy(f.tableARN, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: build session policy: %w", err)
	}

	provider := stscreds.NewAssumeRoleProvider(f.sts, f.roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = roleSessionName(userID)
		o.Policy = aws.String(policy)
	})

	cfg := f.cfg.Copy()
	cfg.Credentials = aws.NewCredentialsCache(provider)
	return dynamodb.NewFromConfig(cfg), nil
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string         `json:"Effect"`
	Action    []string       `json:"Action"`
	Resource  []string       `json:"Resource"`
	Condition map[string]any `json:"Condition,omitempty"`
}

// partitionScopedPolicy allows table access only for items whose partition
// key equals userID. The index resource has no partition condition support,
// so the SK-only index lookup still works through the same session.
func partitionScopedPolicy(tableARN, userID string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Effect: "Allow",
				Action: []string{
					"dynamodb:GetItem",
					"dynamodb:PutItem",
					"dynamodb:Query",
					"dynamodb:UpdateItem",
					"dynamodb:DeleteItem",
					"dynamodb:BatchWriteItem",
					"dynamodb:ConditionCheckItem",
				},
				Resource: []string{tableARN},
				Condition: map[string]any{
					"ForAllValues:StringLike": map[string]any{
						"dynamodb:LeadingKeys": []string{userID},
					},
				},
			},
			{
				Effect:   "Allow",
				Action:   []string{"dynamodb:Query"},
				Resource: []string{tableARN + "/index/*"},
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// roleSessionName maps a user id onto the character set STS accepts for
// session names ([\w+=,.@-], max 64).
func roleSessionName(userID string) string {
	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '+', r == '=', r == ',', r == '.', r == '@', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := b.String()
	if len(name) > 64 {
		name = name[:64]
	}
	if name == "" {
		name = "chat-backend"
	}
	return name
}
