// Package policy evaluates Open Policy Agent (OPA) Rego policies against
// configuration trees.
//
// A configuration is turned into an Input document before evaluation. Besides
// the plain configuration it lists every scalar leaf with its dotted path,
// the tag and source of variable scalars (!env, !expr) and any resolution
// error, so policies can reason about how a value was written and not only
// about what it resolves to.
//
// # Usage
//
//	root, err := config.LoadConfig("train.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := eng.Evaluate(ctx, root, &policy.Context{Environment: "production"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// # Built-in Policies
//
//  1. plaintext-secrets - credentials written as literal strings (error)
//  2. env-defaults - !env references without a default (info)
//  3. unresolved-variables - variables that fail to resolve (error)
//  4. empty-values - keys left null (info, disabled by default)
//
// # Custom Policies
//
// A policy is a Rego module with a deny set. Members are either strings or
// objects with message, path, severity and remediation fields:
//
//	package team.policies.learning_rate
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.config.train.lr > 1
//	    violation := {
//	        "message": "learning rate above 1",
//	        "path": "train.lr",
//	    }
//	}
//
// Policies are loaded from .rego files (named after the file) and from
// .json or .yaml definitions. Violations of error or critical severity make
// a Result disallowed.
//
// # Hot Reload
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.ReplacePolicies(ctx, policies)
//	})
package policy
