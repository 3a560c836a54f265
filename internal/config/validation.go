package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError is a single problem with a config field.
type ValidationError struct {
	FieldPath string // Dot-notation path using toml names, e.g. "dns.fake_range"
	Message   string
}

// ValidationErrors collects every problem found in a config.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("validation failed with %d error(s):", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("\n  %d. %s: %s", i+1, err.FieldPath, err.Message))
	}
	return sb.String()
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	if err := validate.RegisterValidation("upstream", validateUpstream); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("hostport", validateHostPort); err != nil {
		panic(err)
	}

	// Report fields by their toml names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateUpstream accepts an IP address with an optional port.
func validateUpstream(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if _, err := netip.ParseAddr(value); err == nil {
		return true
	}
	_, err := netip.ParseAddrPort(value)
	return err == nil
}

// validateHostPort accepts host:port with a non-zero numeric port. IPv6
// hosts must be bracketed.
func validateHostPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || host == "" {
		return false
	}
	n, err := strconv.ParseUint(port, 10, 16)
	return err == nil && n > 0
}

// Validate checks field formats and the relations between fields.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(c); err != nil {
		errs = append(errs, convertValidatorErrors(err)...)
		// Relations below assume well-formed fields.
		return errs
	}

	prefix := c.TunPrefix()
	if !prefix.Contains(c.TunAddr()) {
		errs = append(errs, ValidationError{
			FieldPath: "tun.ip",
			Message:   fmt.Sprintf("%s is outside tun.cidr %s", c.Tun.IP, prefix),
		})
	}
	fake := c.FakeRange()
	if fake.Bits() < prefix.Bits() || !prefix.Contains(fake.Addr()) {
		errs = append(errs, ValidationError{
			FieldPath: "dns.fake_range",
			Message:   fmt.Sprintf("%s must be inside tun.cidr %s so synthetic addresses route into the tunnel", fake, prefix),
		})
	}
	if fake.Bits() > 30 {
		errs = append(errs, ValidationError{FieldPath: "dns.fake_range", Message: "must hold at least two addresses (/30 or larger)"})
	}

	host, _, _ := net.SplitHostPort(c.DNS.Listen)
	if _, err := netip.ParseAddr(host); err != nil {
		errs = append(errs, ValidationError{FieldPath: "dns.listen", Message: "host must be an IP address"})
	}

	if c.Server.UDPTimeout <= 0 {
		errs = append(errs, ValidationError{FieldPath: "server.udp_timeout", Message: "must be positive"})
	}
	if c.Maintenance.PruneInterval <= 0 {
		errs = append(errs, ValidationError{FieldPath: "maintenance.prune_interval", Message: "must be positive"})
	}
	if c.Maintenance.MappingRetention <= 0 {
		errs = append(errs, ValidationError{FieldPath: "maintenance.mapping_retention", Message: "must be positive"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func convertValidatorErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	var validatorErrs validator.ValidationErrors
	if !errors.As(err, &validatorErrs) {
		return ValidationErrors{{FieldPath: "config", Message: err.Error()}}
	}
	for _, e := range validatorErrs {
		validationErrors = append(validationErrors, ValidationError{
			FieldPath: fieldPath(e.Namespace()),
			Message:   validationMessage(e),
		})
	}
	return validationErrors
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "max":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "ipv4":
		return "must be a valid IPv4 address"
	case "cidrv4":
		return "must be an IPv4 network in CIDR notation"
	case "hostport":
		return "must be in format 'host:port'"
	case "upstream":
		return "must be an IP address with an optional port"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}
