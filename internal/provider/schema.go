package provider

// TransformSchema rewrites a JSON Schema into the dialect the chat API
// accepts. Union types are flattened: "null" members are dropped, a
// singleton union collapses to its scalar, and a mixed union falls back to a
// generic object shape. Objects and arrays are transformed recursively, and
// empty "properties" objects are removed since some backends reject them.
func TransformSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = v
	}

	flattenType(out)

	if props, ok := out["properties"].(map[string]any); ok {
		if len(props) == 0 {
			delete(out, "properties")
		} else {
			next := make(map[string]any, len(props))
			for name, sub := range props {
				if subSchema, ok := sub.(map[string]any); ok {
					next[name] = TransformSchema(subSchema)
				} else {
					next[name] = sub
				}
			}
			out["properties"] = next
		}
	}

	if items, ok := out["items"].(map[string]any); ok {
		out["items"] = TransformSchema(items)
	}

	return out
}

// flattenType collapses union "type" arrays in place.
func flattenType(schema map[string]any) {
	union, ok := schema["type"].([]any)
	if !ok {
		return
	}

	var kept []string
	for _, member := range union {
		s, ok := member.(string)
		if !ok || s == "null" {
			continue
		}
		kept = append(kept, s)
	}

	switch len(kept) {
	case 0:
		// Union was all-null or empty; treat as unconstrained object.
		schema["type"] = "object"
	case 1:
		schema["type"] = kept[0]
	default:
		// Mixed union; the wire dialect has no oneOf here, so fall back to a
		// generic object and drop now-inapplicable keywords.
		schema["type"] = "object"
		delete(schema, "properties")
		delete(schema, "items")
		delete(schema, "required")
	}
}
