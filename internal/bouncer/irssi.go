package bouncer

import (
	"bytes"
	"strings"
	"text/template"
)

// IrssiConfig holds the values rendered into a user's irssi config.
type IrssiConfig struct {
	Username    string
	Password    string
	NetworkName string
	BouncerHost string
	BouncerPort string
}

var irssiTemplate = template.Must(template.New("irssi").Parse(`chatnets = {
  {{.NetworkName}} = {
    type = "IRC";
    sasl_mechanism = "PLAIN";
    sasl_username = "{{.Username}}/{{.NetworkName}}";
    sasl_password = "{{.Password}}";
  };
};

servers = ({
  address = "{{.BouncerHost}}";
  port = {{.BouncerPort}};
  use_ssl = no;
  chatnet = "{{.NetworkName}}";
  autoconnect = yes;
});

settings = {
  core = {
    real_name = "{{.Username}}";
    user_name = "{{.Username}}";
    nick = "{{.Username}}";
  };
  "fe-text" = { term_charset = "UTF-8"; };
  "fe-common/core" = { term_charset = "UTF-8"; };
};
`))

func RenderIrssiConfig(c IrssiConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := irssiTemplate.Execute(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SplitAddr splits host:port on the last colon, defaulting the port to 6667.
func SplitAddr(addr string) (host, port string) {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, "6667"
}
