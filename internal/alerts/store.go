package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"liveops/pkg/models"
)

var bucketRules = []byte("alert_rules")

// RuleStore persists alert rules in bbolt. Configuration CRUD writes rules;
// the evaluator advances lastEvaluatedAt and deletes rules whose chart is
// gone.
type RuleStore struct {
	db *bolt.DB
}

// NewRuleStore opens (or creates) the rule database.
func NewRuleStore(path string) (*RuleStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open rule store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRules)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create rule bucket: %w", err)
	}
	return &RuleStore{db: db}, nil
}

// SaveRule inserts or updates a rule, assigning an id when missing.
func (s *RuleStore) SaveRule(rule *models.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).Put([]byte(rule.ID), data)
	})
}

// GetRule returns one rule or nil when absent.
func (s *RuleStore) GetRule(id string) (*models.AlertRule, error) {
	var rule *models.AlertRule
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRules).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var r models.AlertRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		rule = &r
		return nil
	})
	return rule, err
}

// ListRules returns all rules.
func (s *RuleStore) ListRules() ([]*models.AlertRule, error) {
	var rules []*models.AlertRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(_, raw []byte) error {
			var r models.AlertRule
			if err := json.Unmarshal(raw, &r); err != nil {
				return err
			}
			rules = append(rules, &r)
			return nil
		})
	})
	return rules, err
}

// DeleteRule removes a rule.
func (s *RuleStore) DeleteRule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).Delete([]byte(id))
	})
}

// Close closes the database.
func (s *RuleStore) Close() error {
	return s.db.Close()
}
