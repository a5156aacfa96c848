package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		plaintextSecretsPolicy(),
		envDefaultsPolicy(),
		unresolvedVariablesPolicy(),
		emptyValuesPolicy(),
	}
}

// plaintextSecretsPolicy rejects credentials written as literals.
func plaintextSecretsPolicy() Policy {
	return Policy{
		Name:        "plaintext-secrets",
		Description: "Rejects passwords, tokens and keys written as literal strings instead of !env references",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "secrets"},
		Rego: `package xpipe.policies.secrets

import rego.v1

secret_key_pattern := ` + "`" + `(?i)(password|passwd|secret|token|api_?key|private_?key|credentials?)$` + "`" + `

deny contains violation if {
	some leaf in input.leaves
	not leaf.tag
	is_string(leaf.value)
	leaf.value != ""
	regex.match(secret_key_pattern, leaf.key)
	violation := {
		"message": sprintf("%s holds a plaintext secret", [leaf.path]),
		"path": leaf.path,
		"severity": "error",
		"remediation": sprintf("Replace the value with !env %s", [upper(leaf.key)]),
	}
}
`,
	}
}

// envDefaultsPolicy flags environment references without a fallback.
func envDefaultsPolicy() Policy {
	return Policy{
		Name:        "env-defaults",
		Description: "Warns about !env references without a default value",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"portability"},
		Rego: `package xpipe.policies.env

import rego.v1

deny contains violation if {
	some leaf in input.leaves
	leaf.tag == "!env"
	not contains(leaf.source, ":")
	violation := {
		"message": sprintf("%s reads %s without a default", [leaf.path, leaf.source]),
		"path": leaf.path,
		"remediation": sprintf("Use !env %s:<default> if the variable may be unset", [leaf.source]),
	}
}
`,
	}
}

// unresolvedVariablesPolicy rejects variables that cannot be resolved in the
// current environment.
func unresolvedVariablesPolicy() Policy {
	return Policy{
		Name:        "unresolved-variables",
		Description: "Rejects !env and !expr values that fail to resolve",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"correctness"},
		Rego: `package xpipe.policies.variables

import rego.v1

deny contains violation if {
	some leaf in input.leaves
	leaf.error
	violation := {
		"message": sprintf("%s (%s %s) cannot be resolved: %s", [leaf.path, leaf.tag, leaf.source, leaf.error]),
		"path": leaf.path,
	}
}
`,
	}
}

// emptyValuesPolicy reports keys that were left without a value.
func emptyValuesPolicy() Policy {
	return Policy{
		Name:        "empty-values",
		Description: "Reports keys whose value is null",
		Severity:    SeverityInfo,
		Enabled:     false,
		Tags:        []string{"hygiene"},
		Rego: `package xpipe.policies.empty

import rego.v1

deny contains violation if {
	some leaf in input.leaves
	not leaf.tag
	leaf.value == null
	violation := {
		"message": sprintf("%s has no value", [leaf.path]),
		"path": leaf.path,
	}
}
`,
	}
}
