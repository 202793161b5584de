package netw

import (
	"github.com/Allen1211/msgp/msgp"
)

func (z *ModeArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteMapHeader(2); err != nil {
		return
	}
	if err = writeStringField(en, "Mode", z.Mode); err != nil {
		return
	}
	return writeStringField(en, "Auto", z.Auto)
}

func (z *ModeArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeFields(dc, func(field string) error {
		switch field {
		case "Mode":
			z.Mode, err = dc.ReadString()
		case "Auto":
			z.Auto, err = dc.ReadString()
		default:
			err = dc.Skip()
		}
		return err
	})
}

func (z *ModeReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteMapHeader(4); err != nil {
		return
	}
	if err = writeStringField(en, "Err", z.Err); err != nil {
		return
	}
	if err = writeStringField(en, "Previous", z.Previous); err != nil {
		return
	}
	if err = writeStringField(en, "Current", z.Current); err != nil {
		return
	}
	return writeStringField(en, "Auto", z.Auto)
}

func (z *ModeReply) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeFields(dc, func(field string) error {
		switch field {
		case "Err":
			z.Err, err = dc.ReadString()
		case "Previous":
			z.Previous, err = dc.ReadString()
		case "Current":
			z.Current, err = dc.ReadString()
		case "Auto":
			z.Auto, err = dc.ReadString()
		default:
			err = dc.Skip()
		}
		return err
	})
}

func (z *StatusArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteMapHeader(1); err != nil {
		return
	}
	if err = en.WriteString("Short"); err != nil {
		return
	}
	return en.WriteBool(z.Short)
}

func (z *StatusArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeFields(dc, func(field string) error {
		switch field {
		case "Short":
			z.Short, err = dc.ReadBool()
		default:
			err = dc.Skip()
		}
		return err
	})
}

func (z *StatusReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteMapHeader(4); err != nil {
		return
	}
	if err = writeStringField(en, "Err", z.Err); err != nil {
		return
	}
	if err = writeStringField(en, "Host", z.Host); err != nil {
		return
	}
	if err = writeStringField(en, "Status", z.Status); err != nil {
		return
	}
	if err = en.WriteString("Items"); err != nil {
		return
	}
	if err = en.WriteMapHeader(uint32(len(z.Items))); err != nil {
		return
	}
	for k, v := range z.Items {
		if err = writeStringField(en, k, v); err != nil {
			return
		}
	}
	return nil
}

func (z *StatusReply) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeFields(dc, func(field string) error {
		switch field {
		case "Err":
			z.Err, err = dc.ReadString()
		case "Host":
			z.Host, err = dc.ReadString()
		case "Status":
			z.Status, err = dc.ReadString()
		case "Items":
			var sz uint32
			if sz, err = dc.ReadMapHeader(); err != nil {
				return err
			}
			z.Items = make(map[string]string, sz)
			for i := uint32(0); i < sz; i++ {
				var k, v string
				if k, err = dc.ReadString(); err != nil {
					return err
				}
				if v, err = dc.ReadString(); err != nil {
					return err
				}
				z.Items[k] = v
			}
		default:
			err = dc.Skip()
		}
		return err
	})
}

func (z *DumpArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteMapHeader(1); err != nil {
		return
	}
	if err = en.WriteString("Limit"); err != nil {
		return
	}
	return en.WriteInt(z.Limit)
}

func (z *DumpArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeFields(dc, func(field string) error {
		switch field {
		case "Limit":
			z.Limit, err = dc.ReadInt()
		default:
			err = dc.Skip()
		}
		return err
	})
}

func (z *DumpReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteMapHeader(2); err != nil {
		return
	}
	if err = writeStringField(en, "Err", z.Err); err != nil {
		return
	}
	if err = en.WriteString("Entries"); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Entries))); err != nil {
		return
	}
	for i := range z.Entries {
		if err = z.Entries[i].EncodeMsg(en); err != nil {
			return
		}
	}
	return nil
}

func (z *DumpReply) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeFields(dc, func(field string) error {
		switch field {
		case "Err":
			z.Err, err = dc.ReadString()
		case "Entries":
			var sz uint32
			if sz, err = dc.ReadArrayHeader(); err != nil {
				return err
			}
			z.Entries = make([]DumpEntry, sz)
			for i := range z.Entries {
				if err = z.Entries[i].DecodeMsg(dc); err != nil {
					return err
				}
			}
		default:
			err = dc.Skip()
		}
		return err
	})
}

func (z *DumpEntry) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteMapHeader(4); err != nil {
		return
	}
	if err = writeStringField(en, "Name", z.Name); err != nil {
		return
	}
	if err = writeStringField(en, "State", z.State); err != nil {
		return
	}
	if err = en.WriteString("TTL"); err != nil {
		return
	}
	if err = en.WriteInt(z.TTL); err != nil {
		return
	}
	if err = en.WriteString("Hosts"); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Hosts))); err != nil {
		return
	}
	for _, h := range z.Hosts {
		if err = en.WriteString(h); err != nil {
			return
		}
	}
	return nil
}

func (z *DumpEntry) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeFields(dc, func(field string) error {
		switch field {
		case "Name":
			z.Name, err = dc.ReadString()
		case "State":
			z.State, err = dc.ReadString()
		case "TTL":
			z.TTL, err = dc.ReadInt()
		case "Hosts":
			var sz uint32
			if sz, err = dc.ReadArrayHeader(); err != nil {
				return err
			}
			z.Hosts = make([]string, sz)
			for i := range z.Hosts {
				if z.Hosts[i], err = dc.ReadString(); err != nil {
					return err
				}
			}
		default:
			err = dc.Skip()
		}
		return err
	})
}

func writeStringField(en *msgp.Writer, name, value string) error {
	if err := en.WriteString(name); err != nil {
		return err
	}
	return en.WriteString(value)
}

func decodeFields(dc *msgp.Reader, field func(name string) error) error {
	sz, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < sz; i++ {
		name, err := dc.ReadString()
		if err != nil {
			return err
		}
		if err := field(name); err != nil {
			return err
		}
	}
	return nil
}
