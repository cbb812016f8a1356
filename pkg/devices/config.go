package devices

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/imdario/mergo"

	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// RoleAutocreate marks the config used as template for autocreated
// configs.
const RoleAutocreate = "autocreate"

// CheckConfig validates the structure of a config document.
func CheckConfig(config persist.Document) error {
	if value, ok := config[persist.IDKey]; ok {
		if _, ok := value.(string); !ok {
			return util.NewInvalidParameterError(persist.IDKey, value, "not a string")
		}
	}
	parents, ok := config["parent_ids"]
	if !ok {
		return util.NewInvalidParameterError("parent_ids", nil, "missing")
	}
	if _, err := parentIDs(config); err != nil {
		return util.NewInvalidParameterError("parent_ids", parents, err.Error())
	}
	raw, ok := config["raw_config"]
	if !ok {
		return util.NewInvalidParameterError("raw_config", nil, "missing")
	}
	if _, ok := raw.(map[string]interface{}); !ok {
		return util.NewInvalidParameterError("raw_config", raw, "not a mapping")
	}
	return nil
}

func parentIDs(config persist.Document) ([]string, error) {
	value, ok := config["parent_ids"]
	if !ok {
		return nil, nil
	}
	list, ok := value.([]interface{})
	if !ok {
		// a reloaded JSON document may hold a typed slice
		if typed, ok := value.([]string); ok {
			return typed, nil
		}
		return nil, fmt.Errorf("not a list")
	}
	ids := make([]string, 0, len(list))
	for _, e := range list {
		id, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("element %v is not a string", e)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ConfigCollection wraps a persistent collection of config documents
// and adds the inheritance-aware operations. Configs may reference
// unknown parents; dangling references contribute nothing to the
// resolved raw config.
type ConfigCollection struct {
	coll persist.Collection
}

// NewConfigCollection returns a config collection over coll.
func NewConfigCollection(coll persist.Collection) *ConfigCollection {
	return &ConfigCollection{coll: coll}
}

// Insert validates and inserts a config, returning its id.
func (c *ConfigCollection) Insert(config persist.Document) (string, error) {
	if err := CheckConfig(config); err != nil {
		return "", err
	}
	if err := c.checkNoCycle(config); err != nil {
		return "", err
	}
	return c.coll.Insert(config)
}

// Update validates and updates a config.
func (c *ConfigCollection) Update(config persist.Document) error {
	if err := CheckConfig(config); err != nil {
		return err
	}
	if err := c.checkNoCycle(config); err != nil {
		return err
	}
	return c.coll.Update(config)
}

// Delete removes the config with the given id.
func (c *ConfigCollection) Delete(id string) error {
	return c.coll.Delete(id)
}

// Retrieve returns the config with the given id, or nil if there is no
// such config.
func (c *ConfigCollection) Retrieve(id string) (persist.Document, error) {
	return c.coll.Retrieve(id)
}

// Find returns the configs matching selector.
func (c *ConfigCollection) Find(selector persist.Selector, opts *persist.FindOptions) ([]persist.Document, error) {
	return c.coll.Find(selector, opts)
}

// FindOne returns an arbitrary config matching selector, or nil.
func (c *ConfigCollection) FindOne(selector persist.Selector) (persist.Document, error) {
	return c.coll.FindOne(selector)
}

// checkNoCycle rejects a config whose parent chain would reach back to
// itself. Dangling parent references are fine.
func (c *ConfigCollection) checkNoCycle(config persist.Document) error {
	id := config.ID()
	if id == "" {
		return nil
	}
	parents, err := parentIDs(config)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	stack := append([]string(nil), parents...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == id {
			return util.NewInvalidParameterError("parent_ids", parents, "inheritance cycle")
		}
		if seen[current] {
			continue
		}
		seen[current] = true
		parent, err := c.coll.Retrieve(current)
		if err != nil {
			return err
		}
		if parent == nil {
			continue
		}
		grandParents, err := parentIDs(parent)
		if err != nil {
			return err
		}
		stack = append(stack, grandParents...)
	}
	return nil
}

// GetDescendants returns the ids of every config inheriting directly or
// indirectly from the config with the given id, in ascending order.
func (c *ConfigCollection) GetDescendants(id string) ([]string, error) {
	configs, err := c.coll.Find(nil, nil)
	if err != nil {
		return nil, err
	}
	children := map[string][]string{}
	for _, config := range configs {
		parents, err := parentIDs(config)
		if err != nil {
			continue
		}
		for _, parent := range parents {
			children[parent] = append(children[parent], config.ID())
		}
	}
	seen := map[string]bool{}
	var descendants []string
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if seen[child] {
				continue
			}
			seen[child] = true
			descendants = append(descendants, child)
			queue = append(queue, child)
		}
	}
	sort.Strings(descendants)
	return descendants, nil
}

// GetRawConfig returns the resolved raw config of the config with the
// given id, i.e. base overlaid with every raw config of the parent
// chain, parents first in declaration order and the config itself last.
// It returns nil when there is no config with the given id.
func (c *ConfigCollection) GetRawConfig(id string, base persist.Document) (persist.Document, error) {
	config, err := c.coll.Retrieve(id)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, nil
	}
	flat := base.Copy()
	if flat == nil {
		flat = persist.Document{}
	}
	if err := c.flattenInto(id, flat, map[string]bool{}); err != nil {
		return nil, err
	}
	return flat, nil
}

// flattenInto merges the raw config chain of id into flat. Each config
// contributes exactly once, on first visit, which also makes the walk
// robust against inheritance cycles in stored data.
func (c *ConfigCollection) flattenInto(id string, flat persist.Document, seen map[string]bool) error {
	if seen[id] {
		return nil
	}
	seen[id] = true
	config, err := c.coll.Retrieve(id)
	if err != nil {
		return err
	}
	if config == nil {
		return nil
	}
	parents, err := parentIDs(config)
	if err != nil {
		return err
	}
	for _, parent := range parents {
		if err := c.flattenInto(parent, flat, seen); err != nil {
			return err
		}
	}
	raw, ok := config["raw_config"].(map[string]interface{})
	if !ok {
		return nil
	}
	overlay := map[string]interface{}(persist.Document(raw).Copy())
	return mergo.Map(&flat, overlay, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue)
}

// ConfigFactory derives a new config from the autocreate template. A
// nil result means the template cannot seed a usable config.
type ConfigFactory func(template persist.Document) persist.Document

// DefaultConfigFactory builds a transient config from the autocreate
// template. The template must carry a first SIP line with a username;
// the clone gets a fresh id and a unique autoprov SIP username.
func DefaultConfigFactory(template persist.Document) persist.Document {
	raw, ok := template["raw_config"].(map[string]interface{})
	if !ok {
		return nil
	}
	lines, ok := raw["sip_lines"].(map[string]interface{})
	if !ok {
		return nil
	}
	line, ok := lines["1"].(map[string]interface{})
	if !ok {
		return nil
	}
	if _, ok := line["username"].(string); !ok {
		return nil
	}

	config := template.Copy()
	config.SetID(persist.GenerateID())
	config["transient"] = true
	newLine := config["raw_config"].(map[string]interface{})["sip_lines"].(map[string]interface{})["1"].(map[string]interface{})
	newLine["username"] = newAutoprovUsername()
	return config
}

func newAutoprovUsername() string {
	return fmt.Sprintf("ap%08d", rand.Intn(100000000))
}
