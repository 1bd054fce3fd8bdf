package acl

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var objectTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)

// RuleNode is one level of a propagation rule tree: objects of SubType linked
// to the parent's object receive a derived role carrying Permissions
type RuleNode struct {
	Key         string        `json:"key"`
	SubType     string        `json:"sub_type"`
	Permissions PermissionSet `json:"permissions"`
	Children    []RuleNode    `json:"children,omitempty"`
}

// NewRule parses a "<Type> <RUD>" key and attaches children
func NewRule(key string, children ...RuleNode) (RuleNode, error) {
	subType, perms, err := ParseRuleKey(key)
	if err != nil {
		return RuleNode{}, err
	}
	return RuleNode{Key: key, SubType: subType, Permissions: perms, Children: children}, nil
}

// MustRule is like NewRule but panics on a malformed key. Meant for rule
// trees declared as package-level configuration.
func MustRule(key string, children ...RuleNode) RuleNode {
	rule, err := NewRule(key, children...)
	if err != nil {
		panic(err)
	}
	return rule
}

// ParseRuleKey splits "Comment RU" into the sub type and its permission bits.
// A bare type name yields an empty permission set.
func ParseRuleKey(key string) (string, PermissionSet, error) {
	var perms PermissionSet

	fields := strings.Fields(key)
	switch len(fields) {
	case 1, 2:
	default:
		return "", perms, &MalformedRuleError{Key: key, Reason: "expected \"<Type> <RUD>\""}
	}

	subType := fields[0]
	if !objectTypePattern.MatchString(subType) {
		return "", perms, &MalformedRuleError{Key: key, Reason: fmt.Sprintf("invalid object type %q", subType)}
	}
	if len(fields) == 1 {
		return subType, perms, nil
	}

	for _, letter := range fields[1] {
		var bit *bool
		switch letter {
		case 'R':
			bit = &perms.Read
		case 'U':
			bit = &perms.Update
		case 'D':
			bit = &perms.Delete
		default:
			return "", PermissionSet{}, &MalformedRuleError{Key: key, Reason: fmt.Sprintf("unknown permission letter %q", letter)}
		}
		if *bit {
			return "", PermissionSet{}, &MalformedRuleError{Key: key, Reason: fmt.Sprintf("repeated permission letter %q", letter)}
		}
		*bit = true
	}
	return subType, perms, nil
}

// ParseRuleTree builds rule nodes from the nested-map notation, e.g.
// {"Relationship R": {"Comment R": {}}}. Keys are processed in sorted order.
func ParseRuleTree(tree map[string]interface{}) ([]RuleNode, error) {
	return parseRuleMap(tree, nil)
}

func parseRuleMap(tree map[string]interface{}, path []string) ([]RuleNode, error) {
	keys := make([]string, 0, len(tree))
	for key := range tree {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rules := make([]RuleNode, 0, len(keys))
	for _, key := range keys {
		rule, err := NewRule(key)
		if err != nil {
			return nil, withPath(err, path)
		}

		switch sub := tree[key].(type) {
		case nil:
		case map[string]interface{}:
			rule.Children, err = parseRuleMap(sub, childPath(path, key))
			if err != nil {
				return nil, err
			}
		default:
			return nil, &MalformedRuleError{Key: key, Path: clonePath(path), Reason: fmt.Sprintf("children must be a mapping, got %T", sub)}
		}
		rules = append(rules, rule)
	}

	if err := checkSiblings(rules, path); err != nil {
		return nil, err
	}
	return rules, nil
}

// ValidateRules checks the tree against the object types the graph can
// resolve and rejects sibling rules on the same sub type
func ValidateRules(rules []RuleNode, known func(string) bool) error {
	return validateLevel(rules, known, nil)
}

func validateLevel(rules []RuleNode, known func(string) bool, path []string) error {
	if err := checkSiblings(rules, path); err != nil {
		return err
	}
	for _, rule := range rules {
		if rule.SubType == "" {
			return &MalformedRuleError{Key: rule.Key, Path: clonePath(path), Reason: "missing sub type"}
		}
		if known != nil && !known(rule.SubType) {
			return &MalformedRuleError{Key: rule.Key, Path: clonePath(path), Reason: fmt.Sprintf("unknown object type %q", rule.SubType)}
		}
		if err := validateLevel(rule.Children, known, childPath(path, rule.Key)); err != nil {
			return err
		}
	}
	return nil
}

func checkSiblings(rules []RuleNode, path []string) error {
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if seen[rule.SubType] {
			return &MalformedRuleError{Key: rule.Key, Path: clonePath(path), Reason: fmt.Sprintf("sub type %s listed twice at one level", rule.SubType)}
		}
		seen[rule.SubType] = true
	}
	return nil
}

func withPath(err error, path []string) error {
	if mre, ok := err.(*MalformedRuleError); ok && len(path) > 0 {
		mre.Path = clonePath(path)
	}
	return err
}

func clonePath(path []string) []string {
	return append([]string(nil), path...)
}

// childPath never shares a backing array with path
func childPath(path []string, key string) []string {
	return append(clonePath(path), key)
}

// RuleSetEntry is the rule tree attached to one root role on one object type
type RuleSetEntry struct {
	ObjectType string     `json:"object_type"`
	RoleName   string     `json:"role_name"`
	Rules      []RuleNode `json:"rules"`
}

// RuleSet maps (object type, root role name) to propagation rule trees
type RuleSet struct {
	entries map[string]map[string][]RuleNode
}

// NewRuleSet creates an empty rule set
func NewRuleSet() *RuleSet {
	return &RuleSet{entries: make(map[string]map[string][]RuleNode)}
}

// Add appends rules for roleName on objectType and returns the set for chaining
func (rs *RuleSet) Add(objectType, roleName string, rules ...RuleNode) *RuleSet {
	byRole, ok := rs.entries[objectType]
	if !ok {
		byRole = make(map[string][]RuleNode)
		rs.entries[objectType] = byRole
	}
	byRole[roleName] = append(byRole[roleName], rules...)
	return rs
}

// Lookup returns the rule tree for a root role, nil when none is configured
func (rs *RuleSet) Lookup(objectType, roleName string) []RuleNode {
	if rs == nil {
		return nil
	}
	return rs.entries[objectType][roleName]
}

// Entries lists the set ordered by object type then role name
func (rs *RuleSet) Entries() []RuleSetEntry {
	if rs == nil {
		return nil
	}
	var out []RuleSetEntry
	for objectType, byRole := range rs.entries {
		for roleName, rules := range byRole {
			out = append(out, RuleSetEntry{ObjectType: objectType, RoleName: roleName, Rules: rules})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ObjectType != out[j].ObjectType {
			return out[i].ObjectType < out[j].ObjectType
		}
		return out[i].RoleName < out[j].RoleName
	})
	return out
}

// Len returns the number of (object type, role) entries
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	n := 0
	for _, byRole := range rs.entries {
		n += len(byRole)
	}
	return n
}

// Validate checks every tree in the set
func (rs *RuleSet) Validate(known func(string) bool) error {
	for _, entry := range rs.Entries() {
		if known != nil && !known(entry.ObjectType) {
			return &MalformedRuleError{Key: entry.ObjectType, Reason: "unknown root object type"}
		}
		if err := ValidateRules(entry.Rules, known); err != nil {
			return fmt.Errorf("%s/%s: %w", entry.ObjectType, entry.RoleName, err)
		}
	}
	return nil
}

// ParseRuleSetYAML reads a rule set of the form
//
//	Control:
//	  Admin:
//	    Relationship R:
//	      Comment R: {}
//
// preserving the key order of the document
func ParseRuleSetYAML(data []byte) (*RuleSet, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rule set: %w", err)
	}

	rs := NewRuleSet()
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return rs, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &MalformedRuleError{Key: root.Value, Reason: "rule set must be a mapping of object types"}
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		objectType, roles := root.Content[i].Value, root.Content[i+1]
		if roles.Kind != yaml.MappingNode {
			return nil, &MalformedRuleError{Key: objectType, Reason: "expected a mapping of role names"}
		}
		for j := 0; j+1 < len(roles.Content); j += 2 {
			roleName := roles.Content[j].Value
			rules, err := parseRuleYAML(roles.Content[j+1], []string{objectType, roleName})
			if err != nil {
				return nil, err
			}
			rs.Add(objectType, roleName, rules...)
		}
	}
	return rs, nil
}

// LoadRuleSetFile reads and parses a YAML rule set file
func LoadRuleSetFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set %s: %w", path, err)
	}
	return ParseRuleSetYAML(data)
}

func parseRuleYAML(node *yaml.Node, path []string) ([]RuleNode, error) {
	if isEmptyYAML(node) {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, &MalformedRuleError{Key: node.Value, Path: clonePath(path), Reason: "children must be a mapping"}
	}

	rules := make([]RuleNode, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		rule, err := NewRule(key)
		if err != nil {
			return nil, withPath(err, path)
		}
		if rule.Children, err = parseRuleYAML(node.Content[i+1], childPath(path, key)); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if err := checkSiblings(rules, path); err != nil {
		return nil, err
	}
	return rules, nil
}

func isEmptyYAML(node *yaml.Node) bool {
	if node == nil {
		return true
	}
	if node.Kind == yaml.ScalarNode && (node.Tag == "!!null" || node.Value == "") {
		return true
	}
	return node.Kind == yaml.MappingNode && len(node.Content) == 0
}
