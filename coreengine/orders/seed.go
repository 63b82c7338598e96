package orders

// SeedOrders returns the demo order set loaded into an empty database.
func SeedOrders() []Order {
	return []Order{
		{ID: 1, FirstName: "Cassandry", LastName: "Worshall", Email: "cworshall0@flavors.me", OrderID: "3DV7KU4PK54", Street: "6 Arrowood Court", City: "Sacramento", State: "California", Zipcode: "94291", DeliveryDate: "12/14/2026"},
		{ID: 2, FirstName: "Ardys", LastName: "Pennycord", Email: "apennycord1@ucoz.ru", OrderID: "9XQ2MV7RT31", Street: "42 Hauk Avenue", City: "Austin", State: "Texas", Zipcode: "78726", DeliveryDate: "11/3/2026"},
		{ID: 3, FirstName: "Lorne", LastName: "Gaish", Email: "lgaish2@wikia.com", OrderID: "K8ZB41QW0PL", Street: "917 Sutherland Drive", City: "Denver", State: "Colorado", Zipcode: "80243", DeliveryDate: "11/21/2026"},
		{ID: 4, FirstName: "Melisent", LastName: "Tolossi", Email: "mtolossi3@about.me", OrderID: "2HTR5C8NY6D", Street: "3 Northview Lane", City: "Portland", State: "Oregon", Zipcode: "97211", DeliveryDate: "1/8/2027"},
		{ID: 5, FirstName: "Obadias", LastName: "Ferrarini", Email: "oferrarini4@sina.com.cn", OrderID: "P0LM3XV9KE2", Street: "58 Dahle Road", City: "Columbus", State: "Ohio", Zipcode: "43215", DeliveryDate: "12/2/2026"},
		{ID: 6, FirstName: "Shandie", LastName: "Brundall", Email: "sbrundall5@tinyurl.com", OrderID: "7WDF2K9QJ4A", Street: "1120 Summerview Street", City: "Tampa", State: "Florida", Zipcode: "33625", DeliveryDate: "11/30/2026"},
		{ID: 7, FirstName: "Garvey", LastName: "Aslett", Email: "gaslett6@hud.gov", OrderID: "M5NC8R1T7ZB", Street: "77 Pleasure Boulevard", City: "Phoenix", State: "Arizona", Zipcode: "85040", DeliveryDate: "2/11/2027"},
		{ID: 8, FirstName: "Ilse", LastName: "Kleinbaum", Email: "ikleinbaum7@ehow.com", OrderID: "B3G6Y0WQ2XR", Street: "204 Lerdahl Place", City: "Seattle", State: "Washington", Zipcode: "98121", DeliveryDate: "12/19/2026"},
		{ID: 9, FirstName: "Thorvald", LastName: "Cutajar", Email: "tcutajar8@elpais.com", OrderID: "Q1J7PZ4VD8N", Street: "15 Westridge Way", City: "Atlanta", State: "Georgia", Zipcode: "30336", DeliveryDate: "11/12/2026"},
		{ID: 10, FirstName: "Rosabella", LastName: "Dunthorne", Email: "rdunthorne9@army.mil", OrderID: "F9K2L6S3H0W", Street: "860 Buell Court", City: "Boston", State: "Massachusetts", Zipcode: "02203", DeliveryDate: "1/22/2027"},
		{ID: 11, FirstName: "Eberto", LastName: "Scargle", Email: "escarglea@java.com", OrderID: "Z4X8C1V5B7M", Street: "9 Eagan Drive", City: "Nashville", State: "Tennessee", Zipcode: "37215", DeliveryDate: "12/7/2026"},
		{ID: 12, FirstName: "Jerrilee", LastName: "Plargen", Email: "jpargenb@xinhuanet.com", OrderID: "R6T2Y9U3I1O", Street: "331 Crownhardt Avenue", City: "Chicago", State: "Illinois", Zipcode: "60657", DeliveryDate: "11/27/2026"},
		{ID: 13, FirstName: "Davidde", LastName: "Mulvany", Email: "dmulvanyc@prweb.com", OrderID: "A8S3D7F1G5H", Street: "48 Ridgeway Road", City: "Minneapolis", State: "Minnesota", Zipcode: "55458", DeliveryDate: "2/3/2027"},
		{ID: 14, FirstName: "Kissie", LastName: "Oxbie", Email: "koxbied@usda.gov", OrderID: "N2B6V0C4X8Z", Street: "702 Fulton Street", City: "Raleigh", State: "North Carolina", Zipcode: "27605", DeliveryDate: "12/23/2026"},
		{ID: 15, FirstName: "Hogan", LastName: "Bewlie", Email: "hbewliee@salon.com", OrderID: "L7K3J9H5G1F", Street: "26 Tennessee Lane", City: "Las Vegas", State: "Nevada", Zipcode: "89145", DeliveryDate: "1/15/2027"},
		{ID: 16, FirstName: "Philippa", LastName: "Grimsdike", Email: "pgrimsdikef@cbslocal.com", OrderID: "E1W5Q9R3T7Y", Street: "5 Mifflin Court", City: "Pittsburgh", State: "Pennsylvania", Zipcode: "15279", DeliveryDate: "11/18/2026"},
		{ID: 17, FirstName: "Conroy", LastName: "Haslehurst", Email: "chaslehurstg@unblog.fr", OrderID: "U4I8O2P6A0S", Street: "1401 Manufacturers Way", City: "Omaha", State: "Nebraska", Zipcode: "68197", DeliveryDate: "12/29/2026"},
		{ID: 18, FirstName: "Valry", LastName: "Ismirnioglou", Email: "vismirniogloh@amazon.de", OrderID: "D3F7G1H5J9K", Street: "88 Hoard Place", City: "Madison", State: "Wisconsin", Zipcode: "53726", DeliveryDate: "1/30/2027"},
		{ID: 19, FirstName: "Benedikt", LastName: "Loughren", Email: "bloughreni@hatena.ne.jp", OrderID: "C6V0B4N8M2Q", Street: "613 Kropf Street", City: "Kansas City", State: "Missouri", Zipcode: "64136", DeliveryDate: "12/11/2026"},
		{ID: 20, FirstName: "Aurore", LastName: "Jikylls", Email: "ajikyllsj@printfriendly.com", OrderID: "H2J6K0L4P8W", Street: "19 Clyde Gallagher Road", City: "Salt Lake City", State: "Utah", Zipcode: "84152", DeliveryDate: "2/19/2027"},
	}
}
