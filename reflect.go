package gabp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode"
)

// ToolInfo overrides the metadata derived for a reflected tool method.
type ToolInfo struct {
	// Name replaces the derived "namespace/verb" tool name.
	Name string
	// Description is the advertised tool description.
	Description string
	// AllowUnauthenticated advertises requiresAuth=false. The session state
	// machine still requires the handshake for every non-handshake method;
	// the flag is metadata only.
	AllowUnauthenticated bool
}

// ToolInfoProvider may be implemented by hosts passed to RegisterToolsFrom
// to supply per-tool metadata, keyed by method name.
type ToolInfoProvider interface {
	ToolInfo() map[string]ToolInfo
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// RegisterToolsFrom binds the exported methods of host as tools. A method
// qualifies when its signature is one of
//
//	func([ctx context.Context][, params P]) (R, error)
//	func([ctx context.Context][, params P]) error
//
// where P is a struct type. The tool name is derived from the method name:
// the first camel-case word becomes the namespace and the remaining words
// the verb, so InventoryGet binds as "inventory/get" and WorldPlaceBlock as
// "world/place_block". Hosts implementing ToolInfoProvider can override the
// name and supply descriptions.
//
// The descriptor's parameters are derived from P's exported fields: the
// field's JSON tag names the parameter, the Go type maps to a JSON type
// name, and the `gabp` struct tag marks a parameter "optional" or supplies
// a "default=…" value. The generated handler projects the raw arguments
// object onto P field by field; a value that cannot be coerced into the
// field's type falls back to the declared default, or the zero value when
// there is none.
//
// Methods that do not qualify are skipped. The returned slice holds the
// registered tool names.
func (r *ToolRegistry) RegisterToolsFrom(host any) ([]string, error) {
	hv := reflect.ValueOf(host)
	if !hv.IsValid() {
		return nil, fmt.Errorf("host must not be nil")
	}

	var infos map[string]ToolInfo
	if provider, ok := host.(ToolInfoProvider); ok {
		infos = provider.ToolInfo()
	}

	ht := hv.Type()
	var registered []string

	for i := 0; i < ht.NumMethod(); i++ {
		method := ht.Method(i)
		if method.Name == "ToolInfo" {
			continue
		}

		mv := hv.Method(i)
		spec, ok := methodToolSpec(mv.Type())
		if !ok {
			r.logger.Debug("skipping method with non-tool signature",
				slog.String("method", method.Name))
			continue
		}

		info := infos[method.Name]
		name := info.Name
		if name == "" {
			name = deriveToolName(method.Name)
		}

		descriptor := &ToolDescriptor{
			Name:         name,
			Description:  info.Description,
			RequiresAuth: !info.AllowUnauthenticated,
			Parameters:   spec.parameters(),
		}

		if err := r.Register(name, spec.handler(r.logger, mv), descriptor); err != nil {
			return registered, fmt.Errorf("failed to register method %s: %w", method.Name, err)
		}
		registered = append(registered, name)
	}

	return registered, nil
}

// toolMethodSpec captures how to invoke a qualifying tool method: whether
// it takes a context, its parameter struct type, and whether it returns a
// result alongside the error.
type toolMethodSpec struct {
	takesContext bool
	paramsType   reflect.Type
	hasResult    bool
}

func methodToolSpec(mt reflect.Type) (toolMethodSpec, bool) {
	var spec toolMethodSpec

	switch mt.NumOut() {
	case 1:
		if mt.Out(0) != errorType {
			return spec, false
		}
	case 2:
		if mt.Out(1) != errorType {
			return spec, false
		}
		spec.hasResult = true
	default:
		return spec, false
	}

	in := 0
	if mt.NumIn() > in && mt.In(in) == contextType {
		spec.takesContext = true
		in++
	}
	if mt.NumIn() > in {
		pt := mt.In(in)
		if pt.Kind() != reflect.Struct {
			return spec, false
		}
		spec.paramsType = pt
		in++
	}
	if mt.NumIn() != in {
		return spec, false
	}

	return spec, true
}

func (s toolMethodSpec) parameters() []ToolParameter {
	if s.paramsType == nil {
		return nil
	}

	var params []ToolParameter
	for i := 0; i < s.paramsType.NumField(); i++ {
		field := s.paramsType.Field(i)
		if !field.IsExported() {
			continue
		}
		name := jsonFieldName(field)
		if name == "" {
			continue
		}

		def := fieldDefault(field)
		params = append(params, ToolParameter{
			Name:        name,
			Type:        jsonTypeName(field.Type),
			Description: field.Tag.Get("description"),
			Required:    def == nil && !fieldOptional(field),
			Default:     def,
		})
	}
	return params
}

func (s toolMethodSpec) handler(logger *slog.Logger, mv reflect.Value) ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in []reflect.Value
		if s.takesContext {
			in = append(in, reflect.ValueOf(ctx))
		}
		if s.paramsType != nil {
			pv, err := bindArguments(logger, args, s.paramsType)
			if err != nil {
				return nil, err
			}
			in = append(in, pv)
		}

		out := mv.Call(in)

		if errVal := out[len(out)-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
		if !s.hasResult {
			return nil, nil
		}
		return out[0].Interface(), nil
	}
}

// bindArguments projects the raw arguments object onto a fresh value of
// pType, field by field. Missing parameters take their declared default or
// stay zero; a value that cannot be coerced falls back the same way.
func bindArguments(logger *slog.Logger, args json.RawMessage, pType reflect.Type) (reflect.Value, error) {
	pv := reflect.New(pType).Elem()

	var values map[string]json.RawMessage
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &values); err != nil {
			return pv, fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	for i := 0; i < pType.NumField(); i++ {
		field := pType.Field(i)
		if !field.IsExported() {
			continue
		}
		name := jsonFieldName(field)
		if name == "" {
			continue
		}

		raw, present := values[name]
		if !present {
			raw = fieldDefault(field)
			if raw == nil {
				continue
			}
		}

		if err := json.Unmarshal(raw, pv.Field(i).Addr().Interface()); err != nil {
			logger.Warn("failed to coerce tool argument",
				slog.String("parameter", name),
				slog.String("err", err.Error()))
			if def := fieldDefault(field); def != nil {
				_ = json.Unmarshal(def, pv.Field(i).Addr().Interface())
			} else {
				pv.Field(i).SetZero()
			}
		}
	}

	return pv, nil
}

func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name != "" {
		return name
	}
	return lowerFirst(field.Name)
}

func fieldOptional(field reflect.StructField) bool {
	for _, part := range strings.Split(field.Tag.Get("gabp"), ",") {
		if strings.TrimSpace(part) == "optional" {
			return true
		}
	}
	return false
}

// fieldDefault extracts a "default=…" entry from the `gabp` struct tag as a
// raw JSON value. A default that is not itself valid JSON for the field's
// type is treated as a string literal.
func fieldDefault(field reflect.StructField) json.RawMessage {
	for _, part := range strings.Split(field.Tag.Get("gabp"), ",") {
		value, found := strings.CutPrefix(strings.TrimSpace(part), "default=")
		if !found {
			continue
		}

		raw := json.RawMessage(value)
		probe := reflect.New(field.Type)
		if err := json.Unmarshal(raw, probe.Interface()); err == nil {
			return raw
		}

		quoted, err := json.Marshal(value)
		if err != nil {
			return nil
		}
		return quoted
	}
	return nil
}

func jsonTypeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.String:
		return "string"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "any"
	}
}

// deriveToolName converts a camel-case method name into the conventional
// "namespace/verb" form: the first word is the namespace, the remaining
// words join with underscores. WorldPlaceBlock becomes "world/place_block".
func deriveToolName(methodName string) string {
	words := splitCamel(methodName)
	if len(words) == 1 {
		return strings.ToLower(words[0])
	}
	return strings.ToLower(words[0]) + "/" + strings.ToLower(strings.Join(words[1:], "_"))
}

func splitCamel(s string) []string {
	runes := []rune(s)
	var words []string
	start := 0

	for i := 1; i < len(runes); i++ {
		prev, curr := runes[i-1], runes[i]
		boundary := unicode.IsLower(prev) && unicode.IsUpper(curr)
		if !boundary && i+1 < len(runes) {
			// End of an acronym run, such as the D in "HUDShow".
			boundary = unicode.IsUpper(prev) && unicode.IsUpper(curr) && unicode.IsLower(runes[i+1])
		}
		if boundary {
			words = append(words, string(runes[start:i]))
			start = i
		}
	}
	words = append(words, string(runes[start:]))
	return words
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
