package script

import "github.com/risor-io/risor/object"

// toGo converts a Risor object into plain Go values. Unknown types fall back
// to their inspected string form.
func toGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		out := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			out = append(out, toGo(item))
		}
		return out
	case *object.Map:
		out := make(map[string]any, len(o.Value()))
		for k, v := range o.Value() {
			out[k] = toGo(v)
		}
		return out
	default:
		return obj.Inspect()
	}
}
