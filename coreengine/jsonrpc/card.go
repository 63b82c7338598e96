package jsonrpc

// AgentCard is the discovery document served at /.well-known/agent.json.
type AgentCard struct {
	Name               string                    `json:"name"`
	Description        string                    `json:"description"`
	URL                string                    `json:"url"`
	Version            string                    `json:"version"`
	ProtocolVersion    string                    `json:"protocolVersion"`
	Capabilities       Capabilities              `json:"capabilities"`
	DefaultInputModes  []string                  `json:"defaultInputModes"`
	DefaultOutputModes []string                  `json:"defaultOutputModes"`
	Skills             []Skill                   `json:"skills"`
	SecuritySchemes    map[string]SecurityScheme `json:"securitySchemes,omitempty"`
	Security           []map[string][]string     `json:"security,omitempty"`
}

// Capabilities advertises optional protocol features.
type Capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// Skill is one advertised ability of the agent.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// SecurityScheme describes how callers authenticate.
type SecurityScheme struct {
	Type         string `json:"type"`
	Scheme       string `json:"scheme,omitempty"`
	BearerFormat string `json:"bearerFormat,omitempty"`
	Description  string `json:"description,omitempty"`
}

// BearerSchemeName is the security scheme key in the card.
const BearerSchemeName = "imsBearer"

// DefaultAgentCard returns the card of the shipping agent served at baseURL.
func DefaultAgentCard(name, baseURL, version string) AgentCard {
	return AgentCard{
		Name:               name,
		Description:        "Helps customers verify an order and change its delivery date or shipping address.",
		URL:                baseURL + "/a2a",
		Version:            version,
		ProtocolVersion:    "0.3.0",
		Capabilities:       Capabilities{Streaming: true},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills: []Skill{
			{
				ID:          "order_verification",
				Name:        "Order verification",
				Description: "Looks up an order by order id and the email it was placed with.",
				Tags:        []string{"orders", "verification"},
				Examples:    []string{"Order 3DV7KU4PK54 cworshall0@flavors.me"},
			},
			{
				ID:          "delivery_date_update",
				Name:        "Delivery date change",
				Description: "Moves the delivery date of a verified order after the customer confirms.",
				Tags:        []string{"orders", "delivery"},
				Examples:    []string{"Can you deliver it on 3/15?", "Deliver it next week"},
			},
			{
				ID:          "address_update",
				Name:        "Shipping address change",
				Description: "Changes the shipping address of a verified order after the customer confirms.",
				Tags:        []string{"orders", "address"},
				Examples:    []string{"Ship it to 123 Main Street, Los Angeles, California 90210"},
			},
		},
		SecuritySchemes: map[string]SecurityScheme{
			BearerSchemeName: {
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "Adobe IMS access token",
			},
		},
		Security: []map[string][]string{{BearerSchemeName: {}}},
	}
}
