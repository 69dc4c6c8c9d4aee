package entity

// ServiceCall is a host service invocation derived from a desired
// entity state: domain, service name, and service data including the
// target entity_id.
type ServiceCall struct {
	Domain  string         `json:"domain"`
	Service string         `json:"service"`
	Data    map[string]any `json:"service_data"`
}

// actionMapper derives a ServiceCall for one entity namespace.
// Mappers must be total: every (state, params) input produces a call.
type actionMapper func(entityID, desiredState string, params map[string]any) ServiceCall

// actionMappers maps entity namespaces to their service derivation.
// Namespaces without an entry fall back to genericAction.
var actionMappers = map[string]actionMapper{
	"light":   lightAction,
	"switch":  switchAction,
	"cover":   coverAction,
	"climate": climateAction,
}

// ActionFor derives the host service call that moves entityID towards
// desiredState. The mapping is total: unknown namespaces fall back to
// a generic homeassistant.turn_on/turn_off call rather than silently
// dropping the request.
func ActionFor(entityID, desiredState string, params map[string]any) ServiceCall {
	if mapper, ok := actionMappers[Domain(entityID)]; ok {
		return mapper(entityID, desiredState, params)
	}
	return genericAction(entityID, desiredState, params)
}

// lightAction maps light entities to light.turn_on/turn_off, passing
// through brightness and colour parameters on turn_on.
func lightAction(entityID, desiredState string, params map[string]any) ServiceCall {
	data := map[string]any{"entity_id": entityID}

	service := "turn_off"
	if desiredState == "on" {
		service = "turn_on"
		for _, key := range []string{"brightness", "rgb_color", "color_temp", "transition"} {
			if v, ok := params[key]; ok {
				data[key] = v
			}
		}
	}

	return ServiceCall{Domain: "light", Service: service, Data: data}
}

// switchAction maps switch entities to switch.turn_on/turn_off.
func switchAction(entityID, desiredState string, _ map[string]any) ServiceCall {
	service := "turn_off"
	if desiredState == "on" {
		service = "turn_on"
	}
	return ServiceCall{
		Domain:  "switch",
		Service: service,
		Data:    map[string]any{"entity_id": entityID},
	}
}

// coverAction maps cover entities to open/close/stop services.
func coverAction(entityID, desiredState string, _ map[string]any) ServiceCall {
	var service string
	switch desiredState {
	case "open", "opening", "on":
		service = "open_cover"
	case "stop", "stopped":
		service = "stop_cover"
	default:
		service = "close_cover"
	}
	return ServiceCall{
		Domain:  "cover",
		Service: service,
		Data:    map[string]any{"entity_id": entityID},
	}
}

// climateAction maps climate entities to climate.set_temperature,
// passing through temperature and hvac_mode parameters.
func climateAction(entityID, _ string, params map[string]any) ServiceCall {
	data := map[string]any{"entity_id": entityID}
	for _, key := range []string{"temperature", "target_temp_high", "target_temp_low", "hvac_mode"} {
		if v, ok := params[key]; ok {
			data[key] = v
		}
	}
	return ServiceCall{Domain: "climate", Service: "set_temperature", Data: data}
}

// genericAction is the fallback for namespaces without a dedicated
// mapper: homeassistant.turn_on/turn_off works for any entity the host
// considers switchable.
func genericAction(entityID, desiredState string, _ map[string]any) ServiceCall {
	service := "turn_off"
	if desiredState == "on" {
		service = "turn_on"
	}
	return ServiceCall{
		Domain:  "homeassistant",
		Service: service,
		Data:    map[string]any{"entity_id": entityID},
	}
}
