// Package toolregistry holds the named tools an agent can call.
//
// Invariants:
// - Tools are registered through a Builder; the built Registry is read-only.
// - Tool names are unique.
// - Arguments are schema-validated before the handler runs.
// - Every failure wraps ErrToolNotFound or ErrToolExecution.
//
// Usage:
//
//	reg, _ := toolregistry.NewBuilder().
//		Register(toolregistry.Definition{
//			Name: "echo",
//			Description: "Echo input",
//			Parameters: []toolregistry.Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return args["text"], nil },
//		}).
//		Build()
//	out, _ := reg.Execute(ctx, "echo", map[string]interface{}{"text": "hi"})
package toolregistry
